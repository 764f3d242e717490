package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	yaml "gopkg.in/yaml.v2"
)

const (
	defaultPort          = "25"
	defaultStatsInterval = 60 * time.Second

	// Sessions time out between commands after at least this long.
	minIdleTimeout = time.Second
)

var ErrMissingSection = errors.New("config: missing section")

// Meta is the complete, parsed configuration of smtpd.
type Meta struct {
	SMTP    SMTP    `yaml:"smtp"`
	Storage Storage `yaml:"storage"`
	HTTP    HTTP    `yaml:"http"`
	Logging Logging `yaml:"logging"`
}

type SMTP struct {
	Hostname string
	Port     string
	Banner   string
	// MailboxFile lists the accepted recipients. Without it every
	// recipient is accepted and VRFY answers 252.
	MailboxFile string

	TLSCert string
	TLSKey  string

	MaxMessageSize   int64
	MaxRecipients    int
	MaxConnections   int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration

	VerifyReply string
	VerifyDKIM  bool

	StatsInterval time.Duration
}

type rawSMTP struct {
	Hostname         string `yaml:"hostname"`
	Port             string `yaml:"port"`
	Banner           string `yaml:"banner"`
	MailboxFile      string `yaml:"mailboxFile"`
	TLSCert          string `yaml:"tlsCert"`
	TLSKey           string `yaml:"tlsKey"`
	MaxMessageSize   string `yaml:"maxMessageSize"`
	MaxRecipients    int    `yaml:"maxRecipients"`
	MaxConnections   int    `yaml:"maxConnections"`
	IdleTimeout      string `yaml:"idleTimeout"`
	HandshakeTimeout string `yaml:"handshakeTimeout"`
	VerifyReply      string `yaml:"verifyReply"`
	VerifyDKIM       bool   `yaml:"verifyDKIM"`
	StatsInterval    string `yaml:"statsInterval"`
}

// UnmarshalYAML reads sizes like "10MiB" and durations like "2m".
func (s *SMTP) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw rawSMTP
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("can't parse the smtp section: %w", err)
	}

	s.Hostname = raw.Hostname
	s.Port = raw.Port
	s.Banner = raw.Banner
	s.MailboxFile = raw.MailboxFile
	s.TLSCert = raw.TLSCert
	s.TLSKey = raw.TLSKey
	s.MaxRecipients = raw.MaxRecipients
	s.MaxConnections = raw.MaxConnections
	s.VerifyReply = raw.VerifyReply
	s.VerifyDKIM = raw.VerifyDKIM

	if raw.MaxMessageSize != "" {
		size, err := units.RAMInBytes(raw.MaxMessageSize)
		if err != nil {
			return fmt.Errorf("can't parse maxMessageSize %q: %w", raw.MaxMessageSize, err)
		}
		s.MaxMessageSize = size
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{name: "idleTimeout", value: raw.IdleTimeout, dst: &s.IdleTimeout},
		{name: "handshakeTimeout", value: raw.HandshakeTimeout, dst: &s.HandshakeTimeout},
		{name: "statsInterval", value: raw.StatsInterval, dst: &s.StatsInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		pd, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("can't parse %s as a duration: %w", d.name, err)
		}
		*d.dst = pd
	}

	return nil
}

// CheckAndSetDefaults validates s and returns a copy with defaults applied.
func (s *SMTP) CheckAndSetDefaults() (SMTP, error) {
	c := *s

	if c.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return SMTP{}, fmt.Errorf("no hostname configured and the system hostname is unavailable: %w", err)
		}
		c.Hostname = host
	}
	if c.Port == "" {
		c.Port = defaultPort
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return SMTP{}, errors.New("tlsCert and tlsKey must be set together")
	}
	if c.MaxMessageSize < 0 {
		return SMTP{}, errors.New("maxMessageSize must not be negative")
	}
	if c.MaxRecipients < 0 || c.MaxConnections < 0 {
		return SMTP{}, errors.New("maxRecipients and maxConnections must not be negative")
	}
	if c.IdleTimeout != 0 && c.IdleTimeout < minIdleTimeout {
		return SMTP{}, fmt.Errorf("idleTimeout must be at least %s", minIdleTimeout)
	}

	switch c.VerifyReply {
	case "":
		c.VerifyReply = "address"
	case "address", "named":
	default:
		return SMTP{}, fmt.Errorf("verifyReply must be \"address\" or \"named\", got %q", c.VerifyReply)
	}

	if c.StatsInterval == 0 {
		c.StatsInterval = defaultStatsInterval
	}

	return c, nil
}

type Storage struct {
	// Dir holds the Badger database. Empty keeps mail in memory only.
	Dir string `yaml:"dir"`
}

type HTTP struct {
	// Addr of the read-only mail API, e.g. ":8080". Empty disables it.
	Addr string `yaml:"addr"`
}

type Logging struct {
	Level     string `yaml:"level"`
	LokiURL   string `yaml:"lokiURL"`
	LokiLevel string `yaml:"lokiLevel"`
}

// ConsoleLevel and LokiLevelValue are only valid after CheckAndSetDefaults.
func (l Logging) ConsoleLevel() slog.Level {
	lvl, _ := parseLevel(l.Level)
	return lvl
}

func (l Logging) LokiLevelValue() slog.Level {
	lvl, _ := parseLevel(l.LokiLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}

func (l *Logging) CheckAndSetDefaults() (Logging, error) {
	c := *l
	if c.Level == "" {
		c.Level = "info"
	}
	if c.LokiLevel == "" {
		c.LokiLevel = "info"
	}

	for _, lvl := range []string{c.Level, c.LokiLevel} {
		if _, err := parseLevel(lvl); err != nil {
			return Logging{}, fmt.Errorf("invalid log level %q", lvl)
		}
	}

	return c, nil
}

// CheckAndSetDefaults validates m and returns a copy with defaults applied.
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := *m

	s, err := m.SMTP.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, fmt.Errorf("smtp: %w", err)
	}
	c.SMTP = s

	l, err := m.Logging.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, fmt.Errorf("logging: %w", err)
	}
	c.Logging = l

	c.Storage.Dir = strings.TrimSpace(c.Storage.Dir)
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)

	return c, nil
}

// Parse reads a YAML (or JSON) configuration and applies defaults.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("can't read the config file as YAML: %w", err)
	}

	if m.SMTP == (SMTP{}) {
		return nil, fmt.Errorf("%w: \"smtp\"", ErrMissingSection)
	}

	c, err := m.CheckAndSetDefaults()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func ParseFile(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}
