package fake

import (
	"sync"

	"github.com/OliverSchlueter/smtpevent/internal/mails"
)

type DB struct {
	Mails []mails.Mail
	mu    sync.Mutex
}

func NewDB() *DB {
	return &DB{
		Mails: []mails.Mail{},
		mu:    sync.Mutex{},
	}
}

func (db *DB) GetMailByID(id string) (*mails.Mail, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, mail := range db.Mails {
		if mail.ID == id {
			return &mail, nil
		}
	}
	return nil, mails.ErrMailNotFound
}

func (db *DB) GetMailsByRecipient(address string) ([]mails.Mail, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var found []mails.Mail
	for _, mail := range db.Mails {
		if mail.HasRecipient(address) {
			found = append(found, mail)
		}
	}
	return found, nil
}

func (db *DB) InsertMail(mail mails.Mail) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.Mails {
		if existing.ID == mail.ID {
			return mails.ErrMailAlreadyExists
		}
	}

	db.Mails = append(db.Mails, mail)
	return nil
}

func (db *DB) CountMails() (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return len(db.Mails), nil
}
