package badgerdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/OliverSchlueter/smtpevent/internal/mails"
)

const (
	mailPrefix = "mail:"
	rcptPrefix = "rcpt:"
	rcptSep    = "\x00"
)

// DB keeps mail in an embedded BadgerDB. Each mail is stored as JSON under
// mail:<id>, with an empty index key rcpt:<address>\x00<id> per recipient.
// Addresses may contain ':' but never a NUL byte.
type DB struct {
	conn *badger.DB
}

// NewDB opens the database in dir. It is up to the caller to Close it.
func NewDB(dir string) (*DB, error) {
	conn, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("can't open the db connection: %w", err)
	}

	return &DB{conn: conn}, nil
}

func mailKey(id string) []byte {
	return []byte(mailPrefix + id)
}

func rcptKey(address, id string) []byte {
	return []byte(rcptPrefix + address + rcptSep + id)
}

func (db *DB) GetMailByID(id string) (*mails.Mail, error) {
	var m mails.Mail
	err := db.conn.View(func(txn *badger.Txn) error {
		return readMail(txn, id, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func readMail(txn *badger.Txn, id string, m *mails.Mail) error {
	item, err := txn.Get(mailKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return mails.ErrMailNotFound
		}
		return fmt.Errorf("can't read mail %s: %w", id, err)
	}

	// item values are only valid inside the transaction
	data, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("can't copy mail %s: %w", id, err)
	}
	return json.Unmarshal(data, m)
}

func (db *DB) GetMailsByRecipient(address string) ([]mails.Mail, error) {
	var found []mails.Mail
	prefix := []byte(rcptPrefix + address + rcptSep)

	err := db.conn.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])

			var m mails.Mail
			if err := readMail(txn, id, &m); err != nil {
				return err
			}
			found = append(found, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (db *DB) InsertMail(mail mails.Mail) error {
	data, err := json.Marshal(mail)
	if err != nil {
		return fmt.Errorf("can't encode mail: %w", err)
	}

	return db.conn.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(mailKey(mail.ID))
		if err == nil {
			return mails.ErrMailAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(mailKey(mail.ID), data); err != nil {
			return fmt.Errorf("could not set the mail: %w", err)
		}
		for _, to := range mail.To {
			if strings.Contains(to, rcptSep) {
				return fmt.Errorf("recipient %q contains a NUL byte", to)
			}
			if err := txn.Set(rcptKey(to, mail.ID), nil); err != nil {
				return fmt.Errorf("could not index recipient %s: %w", to, err)
			}
		}
		return nil
	})
}

func (db *DB) CountMails() (int, error) {
	n := 0
	prefix := []byte(mailPrefix)

	err := db.conn.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close tears down the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
