package mails

import (
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/idgen"
)

type DB interface {
	GetMailByID(id string) (*Mail, error)
	GetMailsByRecipient(address string) ([]Mail, error)
	InsertMail(mail Mail) error
	CountMails() (int, error)
}

type Store struct {
	db DB
}

type Configuration struct {
	DB DB
}

func NewStore(cfg Configuration) *Store {
	return &Store{
		db: cfg.DB,
	}
}

// CreateMail assigns an ID and receive time when missing and stores the mail.
// It returns the stored copy.
func (s *Store) CreateMail(m Mail) (*Mail, error) {
	if m.ID == "" {
		m.ID = RandomID()
	}
	if m.Received.IsZero() {
		m.Received = time.Now()
	}
	if m.Size == 0 {
		m.Size = len(m.Data)
	}

	to := make([]string, len(m.To))
	for i, addr := range m.To {
		to[i] = strings.ToLower(addr)
	}
	m.To = to

	if err := s.db.InsertMail(m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMailByID(id string) (*Mail, error) {
	return s.db.GetMailByID(id)
}

func (s *Store) GetMailsByRecipient(address string) ([]Mail, error) {
	return s.db.GetMailsByRecipient(strings.ToLower(address))
}

func (s *Store) CountMails() (int, error) {
	return s.db.CountMails()
}

func RandomID() string {
	return idgen.GenerateID(20)
}
