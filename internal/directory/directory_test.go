package directory_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/OliverSchlueter/smtpevent/internal/directory"
	"github.com/OliverSchlueter/smtpevent/internal/directory/database/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, addrs ...string) *directory.Store {
	t.Helper()

	s := directory.NewStore(directory.Configuration{DB: fake.NewDB()})
	for _, a := range addrs {
		require.NoError(t, s.Create(directory.Mailbox{Address: a}))
	}
	return s
}

func TestExists(t *testing.T) {
	s := newStore(t, "bob@example.com", "Sheila@Example.com")

	testCases := []struct {
		address string
		exists  bool
	}{
		{address: "bob@example.com", exists: true},
		{address: "BOB@example.com", exists: true},
		{address: " sheila@example.com ", exists: true},
		{address: "invalid@example.com", exists: false},
		{address: "", exists: false},
	}

	for _, tc := range testCases {
		t.Run(tc.address, func(t *testing.T) {
			ok, err := s.Exists(tc.address)
			require.NoError(t, err)
			assert.Equal(t, tc.exists, ok)
		})
	}
}

func TestCreateRejectsDuplicatesAndInvalid(t *testing.T) {
	s := newStore(t, "bob@example.com")

	err := s.Create(directory.Mailbox{Address: "Bob@example.com"})
	assert.ErrorIs(t, err, directory.ErrMailboxAlreadyExists)

	for _, bad := range []string{"bob", "@example.com", "bob@", "<bob@example.com>", "a b@example.com"} {
		assert.ErrorIs(t, s.Create(directory.Mailbox{Address: bad}), directory.ErrInvalidAddress, bad)
	}
}

func TestLookupReturnsName(t *testing.T) {
	s := directory.NewStore(directory.Configuration{DB: fake.NewDB()})
	require.NoError(t, s.Create(directory.Mailbox{Address: "kurt@example.com", Name: "Kurt"}))

	mb, err := s.Lookup("kurt@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Kurt", mb.Name)

	_, err = s.Lookup("nobody@example.com")
	assert.ErrorIs(t, err, directory.ErrMailboxNotFound)
}

func TestAddressesSorted(t *testing.T) {
	s := newStore(t, "wendy@example.com", "bob@example.com", "tim@example.com")

	addrs, err := s.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com", "tim@example.com", "wendy@example.com"}, addrs)
}

func TestConcurrentReads(t *testing.T) {
	s := newStore(t, "bob@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Exists("bob@example.com")
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestLoad(t *testing.T) {
	testCases := []struct {
		description string
		file        string
		expected    []string
		shouldError bool
	}{
		{
			description: "json object",
			file:        `{"bob@example.com": [], "sheila@example.com": []}`,
			expected:    []string{"bob@example.com", "sheila@example.com"},
		},
		{
			description: "yaml mapping with names",
			file:        "kurt@example.com: Kurt\nwendy@example.com: Wendy\n",
			expected:    []string{"kurt@example.com", "wendy@example.com"},
		},
		{
			description: "yaml list",
			file:        "- address: tim@example.com\n  name: Tim\n",
			expected:    []string{"tim@example.com"},
		},
		{
			description: "invalid address",
			file:        "- address: not-an-address\n",
			shouldError: true,
		},
		{
			description: "not yaml",
			file:        "this is not yaml",
			shouldError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			s := directory.NewStore(directory.Configuration{DB: fake.NewDB()})
			n, err := directory.Load(strings.NewReader(tc.file), s)
			if tc.shouldError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tc.expected), n)

			addrs, err := s.Addresses()
			require.NoError(t, err)
			assert.Equal(t, tc.expected, addrs)
		})
	}
}
