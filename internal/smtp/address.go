package smtp

import (
	"errors"
	"strings"
	"unicode"
)

var ErrInvalidPath = errors.New("invalid mail path")

const (
	keyFrom = "FROM:"
	keyTo   = "TO:"
)

// parsePath extracts the address from a MAIL or RCPT argument of the form
// KEY:<addr>. The key is matched case-insensitively and whitespace after the
// colon is ignored. "<>" yields the empty null address, which is only valid
// for FROM. A bare address without brackets is accepted as long as it is not
// empty.
func parsePath(key, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) < len(key) || !strings.EqualFold(arg[:len(key)], key) {
		return "", ErrInvalidPath
	}

	addr, err := stripBrackets(arg[len(key):])
	if err != nil {
		return "", err
	}

	if addr == "" && key != keyFrom {
		return "", ErrInvalidPath
	}
	return addr, nil
}

// parseVerifyArg accepts the VRFY argument in bracketed or bare form.
func parseVerifyArg(arg string) (string, error) {
	addr, err := stripBrackets(arg)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", ErrInvalidPath
	}
	return addr, nil
}

// stripBrackets removes one layer of angle brackets. Nothing at all is an
// error, "<>" is the empty address.
func stripBrackets(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidPath
	}

	if strings.HasPrefix(s, "<") {
		if !strings.HasSuffix(s, ">") || len(s) < 2 {
			return "", ErrInvalidPath
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	if strings.ContainsAny(s, "<> \t") || strings.ContainsFunc(s, unicode.IsControl) {
		return "", ErrInvalidPath
	}
	return s, nil
}
