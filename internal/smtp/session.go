package smtp

import (
	"bytes"
	"net"
)

type Session struct {
	ID           string
	RemoteAddr   string
	RemoteIP     string
	Hostname     string
	TLSActive    bool
	HeloReceived bool
	Extensions   []string
	Mail         Mail
}

// Mail is the envelope of the current transaction.
type Mail struct {
	InTransaction bool
	// From is empty for the null sender, so InTransaction tracks whether
	// MAIL succeeded.
	From        string
	To          []string
	ReadingData bool
	Data        bytes.Buffer
	TooLarge    bool
}

func newSession(id, remoteAddr string) *Session {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}

	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		RemoteIP:   ip,
	}
}

// Reset clears the envelope but keeps the HELO state.
func (m *Mail) Reset() {
	m.InTransaction = false
	m.From = ""
	m.To = nil
	m.ReadingData = false
	m.Data.Reset()
	m.TooLarge = false
}

// resetAfterTLS discards everything the client told us before the
// handshake. The client has to send EHLO again.
func (s *Session) resetAfterTLS() {
	s.TLSActive = true
	s.HeloReceived = false
	s.Hostname = ""
	s.Extensions = nil
	s.Mail.Reset()
}
