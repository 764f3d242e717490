package directory

import (
	"fmt"
	"io"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// LoadFile reads a mailbox file and inserts every entry into the store. See
// Load for the accepted formats.
func LoadFile(path string, s *Store) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("can't open the mailbox file: %w", err)
	}
	defer f.Close()

	return Load(f, s)
}

// Load accepts either a list of {address, name} entries or a mapping keyed by
// address. Mapping values that are strings become the display name, anything
// else is ignored, so a JSON object such as {"bob@example.com": []} also
// works.
func Load(r io.Reader, s *Store) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("can't read the mailbox file: %w", err)
	}

	var entries []Mailbox

	var list []Mailbox
	if err := yaml.Unmarshal(data, &list); err == nil {
		entries = list
	} else {
		m := make(map[string]interface{})
		if err := yaml.Unmarshal(data, &m); err != nil {
			return 0, fmt.Errorf("can't parse the mailbox file: %w", err)
		}
		for addr, v := range m {
			name, _ := v.(string)
			entries = append(entries, Mailbox{Address: addr, Name: name})
		}
	}

	for _, mb := range entries {
		if err := s.Create(mb); err != nil {
			return 0, fmt.Errorf("can't add mailbox %q: %w", mb.Address, err)
		}
	}

	return len(entries), nil
}
