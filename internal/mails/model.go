package mails

import "time"

type Mail struct {
	ID         string       `json:"id"`
	Helo       string       `json:"helo"`
	RemoteAddr string       `json:"remote_addr"`
	From       string       `json:"from"`
	To         []string     `json:"to"`
	Received   time.Time    `json:"received"`
	Size       int          `json:"size"`
	Data       string       `json:"data"`
	DKIM       []DKIMResult `json:"dkim,omitempty"`
}

type DKIMResult struct {
	Domain string `json:"domain"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// HasRecipient reports whether address is one of the envelope recipients.
func (m *Mail) HasRecipient(address string) bool {
	for _, to := range m.To {
		if to == address {
			return true
		}
	}
	return false
}
