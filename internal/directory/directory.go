package directory

import (
	"errors"
	"strings"
)

type DB interface {
	GetByAddress(address string) (*Mailbox, error)
	GetAll() ([]Mailbox, error)
	Insert(mailbox Mailbox) error
}

// Store is the mailbox directory. It is populated once at startup and only
// read by SMTP sessions afterwards, so the DB implementation must allow
// concurrent readers.
type Store struct {
	db DB
}

type Configuration struct {
	DB DB
}

func NewStore(config Configuration) *Store {
	return &Store{
		db: config.DB,
	}
}

func (s *Store) Lookup(address string) (*Mailbox, error) {
	return s.db.GetByAddress(Normalize(address))
}

func (s *Store) Exists(address string) (bool, error) {
	_, err := s.Lookup(address)
	if err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Addresses returns every known address.
func (s *Store) Addresses() ([]string, error) {
	all, err := s.db.GetAll()
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(all))
	for _, mb := range all {
		addrs = append(addrs, mb.Address)
	}
	return addrs, nil
}

func (s *Store) Create(mb Mailbox) error {
	mb.Address = Normalize(mb.Address)
	if !IsValidAddress(mb.Address) {
		return ErrInvalidAddress
	}

	return s.db.Insert(mb)
}

// Normalize lower-cases and trims an address so lookups are case-insensitive.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func IsValidAddress(address string) bool {
	at := strings.LastIndex(address, "@")
	return at > 0 && at < len(address)-1 && !strings.ContainsAny(address, " <>")
}
