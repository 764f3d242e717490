package fake

import (
	"sort"
	"sync"

	"github.com/OliverSchlueter/smtpevent/internal/directory"
)

type DB struct {
	Items map[string]directory.Mailbox
	mu    sync.RWMutex
}

func NewDB() *DB {
	return &DB{
		Items: make(map[string]directory.Mailbox),
		mu:    sync.RWMutex{},
	}
}

func (db *DB) GetByAddress(address string) (*directory.Mailbox, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	mb, exists := db.Items[address]
	if !exists {
		return nil, directory.ErrMailboxNotFound
	}
	return &mb, nil
}

func (db *DB) GetAll() ([]directory.Mailbox, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	all := make([]directory.Mailbox, 0, len(db.Items))
	for _, mb := range db.Items {
		all = append(all, mb)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Address < all[j].Address })
	return all, nil
}

func (db *DB) Insert(mb directory.Mailbox) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.Items[mb.Address]; exists {
		return directory.ErrMailboxAlreadyExists
	}

	db.Items[mb.Address] = mb
	return nil
}
