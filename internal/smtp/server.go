package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/OliverSchlueter/smtpevent/internal/directory"
	"github.com/OliverSchlueter/smtpevent/internal/mails"
)

const (
	Version     = "1.0.0"
	DefaultName = "smtpevent server"

	// maxLineLength is the longest command line we accept, without CRLF.
	maxLineLength = 1000
)

var ErrServerClosed = errors.New("smtp: server closed")

// Directory is the set of mailboxes RCPT and VRFY are checked against.
type Directory interface {
	Lookup(address string) (*directory.Mailbox, error)
}

type VerifyReply string

const (
	// VerifyReplyAddress answers a successful VRFY with the bare address.
	VerifyReplyAddress VerifyReply = "address"
	// VerifyReplyNamed answers with "Display Name <address>" when a name is known.
	VerifyReplyNamed VerifyReply = "named"
)

type Server struct {
	hostname         string
	banner           string
	port             string
	tlsConfig        *tls.Config
	directory        Directory
	mails            *mails.Store
	maxMessageSize   int64
	maxRecipients    int
	maxConnections   int
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	verifyReply      VerifyReply
	dkimEnabled      bool
	lookupTXT        func(domain string) ([]string, error)

	counters counters

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type Configuration struct {
	Hostname string
	// Name and Version make up the default banner "<hostname> <name> <version>".
	Name    string
	Version string
	// Banner replaces the whole greeting text when set.
	Banner string
	Port   string

	// TLSConfig enables STARTTLS. If nil, CertFile and KeyFile are loaded instead.
	TLSConfig *tls.Config
	CertFile  string
	KeyFile   string

	// Directory is optional. Without it every recipient is accepted.
	Directory Directory
	// Mails is optional. Without it received messages are only logged.
	Mails *mails.Store

	MaxMessageSize   int64
	MaxRecipients    int
	MaxConnections   int
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration

	VerifyReply VerifyReply
	VerifyDKIM  bool
	// LookupTXT overrides DNS lookups for DKIM keys.
	LookupTXT func(domain string) ([]string, error)
}

func NewServer(config Configuration) *Server {
	if config.Port == "" {
		config.Port = "25"
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Version == "" {
		config.Version = Version
	}
	if config.Banner == "" {
		config.Banner = strings.Join([]string{config.Hostname, config.Name, config.Version}, " ")
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 10 * units.MiB
	}
	if config.MaxRecipients == 0 {
		config.MaxRecipients = 100
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 2 * time.Minute
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.VerifyReply == "" {
		config.VerifyReply = VerifyReplyAddress
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil && config.CertFile != "" && config.KeyFile != "" {
		cfg, err := LoadTLSConfig(config.CertFile, config.KeyFile)
		if err != nil {
			slog.Error("Failed to load TLS certificates, STARTTLS is disabled", sloki.WrapError(err))
		} else {
			tlsConfig = cfg
		}
	}

	return &Server{
		hostname:         config.Hostname,
		banner:           config.Banner,
		port:             config.Port,
		tlsConfig:        tlsConfig,
		directory:        config.Directory,
		mails:            config.Mails,
		maxMessageSize:   config.MaxMessageSize,
		maxRecipients:    config.MaxRecipients,
		maxConnections:   config.MaxConnections,
		idleTimeout:      config.IdleTimeout,
		handshakeTimeout: config.HandshakeTimeout,
		verifyReply:      config.VerifyReply,
		dkimEnabled:      config.VerifyDKIM,
		lookupTXT:        config.LookupTXT,
		conns:            make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured port and serves until Close is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}

	return s.Serve(context.Background(), listener)
}

// Serve accepts connections on listener until ctx is cancelled or Close is
// called. Every connection gets its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.maxConnections > 0 {
		listener = netutil.LimitListener(listener, s.maxConnections)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	slog.Info("SMTP server listening", slog.String("addr", listener.Addr().String()), slog.String("hostname", s.hostname))

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			delay = nextAcceptDelay(delay)
			slog.Warn("Failed to accept connection", sloki.WrapError(err), slog.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if !s.trackConn(conn) {
			conn.Close()
			return nil
		}
		go s.handle(conn)
	}
}

// nextAcceptDelay doubles the pause after a failed Accept, starting at
// 5ms and capped at one second.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		return time.Second
	}
	return d
}

// Close stops accepting, closes all live connections and waits for their
// sessions to end.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}

	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// trackConn registers a live connection. It fails once Close was called, so
// no session can start after Close began waiting.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	s.wg.Done()
}

type action int

const (
	actionContinue action = iota
	actionClose
	actionStartTLS
)

func (s *Server) handle(conn net.Conn) {
	raw := conn
	defer s.untrackConn(raw)
	defer raw.Close()

	s.counters.register()
	defer s.counters.unregister()

	session := newSession(uuid.New().String(), conn.RemoteAddr().String())

	slog.Debug("New connection established", "session_id", session.ID, "remote_addr", session.RemoteAddr, "protocol", conn.RemoteAddr().Network())
	defer slog.Debug("Connection closed", "session_id", session.ID, "remote_addr", session.RemoteAddr)

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	writeLine(w, fmt.Sprintf(StatusServiceReady, s.banner))

	for {
		if err := conn.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			slog.Error("Failed to set connection deadline", sloki.WrapError(err))
			return
		}

		limit := maxLineLength
		if session.Mail.ReadingData {
			limit = s.dataLineLimit()
		}

		line, err := readLine(r, limit)
		if err != nil && !errors.Is(err, errLineTooLong) {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Failed to read from connection", "session_id", session.ID, sloki.WrapError(err))
			return
		}

		if session.Mail.ReadingData {
			if errors.Is(err, errLineTooLong) {
				session.Mail.TooLarge = true
				continue
			}
			s.handleDataLine(session, w, line)
			continue
		}

		if errors.Is(err, errLineTooLong) {
			slog.Warn("Received line exceeds maximum length", "session_id", session.ID)
			writeLine(w, StatusLineTooLong)
			continue
		}

		slog.Debug("C: " + line)

		switch s.dispatch(session, w, parseCommand(line), r.Buffered()) {
		case actionClose:
			return
		case actionStartTLS:
			tlsConn, err := s.upgrade(conn)
			if err != nil {
				slog.Warn("STARTTLS failed, closing connection", "session_id", session.ID, sloki.WrapError(err))
				return
			}

			conn = tlsConn
			r = bufio.NewReader(conn)
			w = bufio.NewWriter(conn)
			session.resetAfterTLS()

			slog.Debug("TLS connection established", "session_id", session.ID, "remote_addr", session.RemoteAddr)
		}
	}
}

// dispatch runs the handler for a single command. pending is the number of
// bytes the client already sent after the command line.
func (s *Server) dispatch(session *Session, w *bufio.Writer, cmd Command, pending int) action {
	switch cmd.Verb {
	case VerbHelo:
		s.handleHelo(session, w, cmd.Arg)
	case VerbEhlo:
		s.handleEhlo(session, w, cmd.Arg)
	case VerbMail:
		s.handleMailFrom(session, w, cmd.Arg)
	case VerbRcpt:
		s.handleRcptTo(session, w, cmd.Arg)
	case VerbData:
		s.handleData(session, w, cmd.Arg)
	case VerbRset:
		s.handleRset(session, w, cmd.Arg)
	case VerbNoop:
		s.handleNoop(session, w, cmd.Arg)
	case VerbVrfy:
		s.handleVrfy(session, w, cmd.Arg)
	case VerbStartTLS:
		return s.handleStartTLS(session, w, cmd.Arg, pending)
	case VerbQuit:
		writeLine(w, fmt.Sprintf(StatusConnClosed, s.hostname))
		return actionClose
	default:
		writeLine(w, fmt.Sprintf(StatusNotImplemented, printable(cmd.Name)))
	}

	return actionContinue
}

func (s *Server) helloMessage(session *Session) string {
	return fmt.Sprintf(StatusHello, s.hostname, session.RemoteIP)
}

func (s *Server) extensions(session *Session) []string {
	var ext []string
	if s.tlsConfig != nil && !session.TLSActive {
		ext = append(ext, "STARTTLS")
	}
	return ext
}

// greet applies the rules shared by HELO and EHLO and reports whether the
// greeting was accepted.
func (s *Server) greet(session *Session, w *bufio.Writer, verb Verb, arg string) bool {
	if session.HeloReceived {
		writeLine(w, StatusDuplicateHelo)
		return false
	}

	fields := strings.Fields(arg)
	if len(fields) != 1 {
		writeLine(w, fmt.Sprintf(StatusSyntax, verb.Syntax()))
		return false
	}

	session.HeloReceived = true
	session.Hostname = fields[0]
	return true
}

func (s *Server) handleHelo(session *Session, w *bufio.Writer, arg string) {
	if !s.greet(session, w, VerbHelo, arg) {
		return
	}

	writeLine(w, fmt.Sprintf("%d %s", CodeOK, s.helloMessage(session)))
}

func (s *Server) handleEhlo(session *Session, w *bufio.Writer, arg string) {
	if !s.greet(session, w, VerbEhlo, arg) {
		return
	}

	session.Extensions = s.extensions(session)
	writeMultiline(w, CodeOK, append([]string{s.helloMessage(session)}, session.Extensions...))
}

func (s *Server) handleNoop(session *Session, w *bufio.Writer, arg string) {
	if strings.TrimSpace(arg) != "" {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbNoop.Syntax()))
		return
	}

	writeLine(w, StatusOK)
}

func (s *Server) handleRset(session *Session, w *bufio.Writer, arg string) {
	if strings.TrimSpace(arg) != "" {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbRset.Syntax()))
		return
	}

	session.Mail.Reset()
	writeLine(w, StatusOK)
}

func (s *Server) handleMailFrom(session *Session, w *bufio.Writer, arg string) {
	if strings.TrimSpace(arg) == "" {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbMail.Syntax()))
		return
	}

	if session.Mail.InTransaction {
		slog.Warn("Nested MAIL command", "session_id", session.ID)
		writeLine(w, StatusNestedMail)
		return
	}

	addr, err := parsePath(keyFrom, arg)
	if err != nil {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbMail.Syntax()))
		return
	}

	session.Mail.InTransaction = true
	session.Mail.From = addr
	session.Mail.To = nil
	slog.Debug("Sender accepted", "session_id", session.ID, "from", addr)

	writeLine(w, StatusOK)
}

func (s *Server) handleRcptTo(session *Session, w *bufio.Writer, arg string) {
	if !session.Mail.InTransaction {
		writeLine(w, StatusNeedMail)
		return
	}

	addr, err := parsePath(keyTo, arg)
	if err != nil {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbRcpt.Syntax()))
		return
	}

	if s.maxRecipients > 0 && len(session.Mail.To) >= s.maxRecipients {
		slog.Warn("Maximum recipients exceeded", "session_id", session.ID, "remote_addr", session.RemoteAddr)
		writeLine(w, StatusTooManyRecipients)
		return
	}

	ok, err := s.mailboxExists(addr)
	if err != nil {
		slog.Error("Failed to look up mailbox", slog.String("address", addr), sloki.WrapError(err))
		writeLine(w, StatusLocalError)
		return
	}
	if !ok {
		slog.Debug("Recipient rejected", "session_id", session.ID, "to", addr)
		writeLine(w, StatusInvalidMailbox)
		return
	}

	session.Mail.To = append(session.Mail.To, addr)
	writeLine(w, StatusOK)
}

func (s *Server) mailboxExists(addr string) (bool, error) {
	if s.directory == nil {
		return true, nil
	}

	if _, err := s.directory.Lookup(addr); err != nil {
		if errors.Is(err, directory.ErrMailboxNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Server) handleVrfy(session *Session, w *bufio.Writer, arg string) {
	addr, err := parseVerifyArg(arg)
	if err != nil {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbVrfy.Syntax()))
		return
	}

	if s.directory == nil {
		writeLine(w, StatusCannotVerify)
		return
	}

	mb, err := s.directory.Lookup(addr)
	if err != nil {
		if errors.Is(err, directory.ErrMailboxNotFound) {
			writeLine(w, StatusUnknownMailbox)
			return
		}
		slog.Error("Failed to look up mailbox", slog.String("address", addr), sloki.WrapError(err))
		writeLine(w, StatusLocalError)
		return
	}

	text := mb.Address
	if s.verifyReply == VerifyReplyNamed && mb.Name != "" {
		text = fmt.Sprintf("%s <%s>", mb.Name, mb.Address)
	}
	writeLine(w, fmt.Sprintf(StatusVerified, text))
}

func (s *Server) handleStartTLS(session *Session, w *bufio.Writer, arg string, pending int) action {
	if s.tlsConfig == nil {
		writeLine(w, fmt.Sprintf(StatusNotImplemented, VerbStartTLS.String()))
		return actionContinue
	}

	if strings.TrimSpace(arg) != "" || session.TLSActive {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbStartTLS.Syntax()))
		return actionContinue
	}

	// Anything pipelined behind STARTTLS would be read as if it arrived
	// over TLS.
	if pending > 0 {
		slog.Warn("Data pipelined after STARTTLS", "session_id", session.ID, "bytes", pending)
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbStartTLS.Syntax()))
		return actionContinue
	}

	writeLine(w, StatusReadyStartTLS)
	return actionStartTLS
}
