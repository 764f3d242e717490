package smtp

import (
	"strings"
	"unicode"
)

type Verb int

const (
	VerbUnknown Verb = iota
	VerbHelo
	VerbEhlo
	VerbMail
	VerbRcpt
	VerbData
	VerbRset
	VerbNoop
	VerbVrfy
	VerbStartTLS
	VerbQuit
)

type Command struct {
	Verb Verb
	// Name is the upper-cased verb as sent by the client, also for unknown verbs.
	Name string
	// Arg is everything after the first whitespace run, untouched.
	Arg string
}

type commandSpec struct {
	Name  string
	Usage string
}

var commands = map[Verb]commandSpec{
	VerbHelo:     {Name: "HELO", Usage: "hostname"},
	VerbEhlo:     {Name: "EHLO", Usage: "hostname"},
	VerbMail:     {Name: "MAIL", Usage: "FROM:<address>"},
	VerbRcpt:     {Name: "RCPT", Usage: "TO: <address>"},
	VerbData:     {Name: "DATA"},
	VerbRset:     {Name: "RSET"},
	VerbNoop:     {Name: "NOOP"},
	VerbVrfy:     {Name: "VRFY", Usage: "<address>"},
	VerbStartTLS: {Name: "STARTTLS"},
	VerbQuit:     {Name: "QUIT"},
}

var verbsByName = func() map[string]Verb {
	m := make(map[string]Verb, len(commands))
	for v, c := range commands {
		m[c.Name] = v
	}
	return m
}()

func (v Verb) String() string {
	if c, ok := commands[v]; ok {
		return c.Name
	}
	return "UNKNOWN"
}

// Syntax is the usage shown in 501 replies, e.g. "MAIL FROM:<address>".
func (v Verb) Syntax() string {
	c := commands[v]
	if c.Usage == "" {
		return c.Name
	}
	return c.Name + " " + c.Usage
}

// parseCommand splits a command line into verb and raw argument.
func parseCommand(line string) Command {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeftFunc(line, unicode.IsSpace)

	name, arg := line, ""
	if i := strings.IndexFunc(line, unicode.IsSpace); i >= 0 {
		name = line[:i]
		arg = strings.TrimLeftFunc(line[i:], unicode.IsSpace)
	}
	name = strings.ToUpper(name)

	return Command{
		Verb: verbsByName[name],
		Name: name,
		Arg:  arg,
	}
}

// printable replaces every byte outside printable ASCII with '?', so a
// client's unknown verb can be echoed back safely.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x21 || r > 0x7e {
			return '?'
		}
		return r
	}, s)
}
