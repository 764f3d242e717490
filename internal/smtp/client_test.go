package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OliverSchlueter/smtpevent/internal/directory"
	"github.com/OliverSchlueter/smtpevent/internal/mails"
	mailfake "github.com/OliverSchlueter/smtpevent/internal/mails/database/fake"
)

// startTestServer serves cfg on a random loopback port until the test ends.
func startTestServer(t *testing.T, cfg Configuration) (*Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := newTestServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, listener)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return srv, listener.Addr().String()
}

// lineClient speaks raw SMTP so tests can assert on exact reply text.
type lineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func dialLineClient(t *testing.T, addr string) *lineClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })

	return &lineClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

func (c *lineClient) writeLineC(line string) error {
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// readReply reads one complete, possibly multi-line, reply and joins its
// lines with "\n".
func (c *lineClient) readReply() (string, error) {
	var lines []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return strings.Join(lines, "\n"), err
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)

		if len(line) < 4 || line[3] != '-' {
			return strings.Join(lines, "\n"), nil
		}
	}
}

func (c *lineClient) expectStatus(code string) (string, error) {
	reply, err := c.readReply()
	if err != nil {
		return reply, err
	}
	if !strings.HasPrefix(reply, code) {
		return reply, fmt.Errorf("expected %s, got %q", code, reply)
	}
	return reply, nil
}

func (c *lineClient) cmd(t *testing.T, line string) string {
	t.Helper()

	require.NoError(t, c.writeLineC(line))
	reply, err := c.readReply()
	require.NoError(t, err)
	return reply
}

func TestGreeting(t *testing.T) {
	_, addr := startTestServer(t, Configuration{})
	c := dialLineClient(t, addr)

	reply, err := c.expectStatus("220")
	require.NoError(t, err)
	assert.Equal(t, "220 test.server.com smtpevent server 1.0.0", reply)
}

func TestSessionScenario(t *testing.T) {
	store := mails.NewStore(mails.Configuration{DB: mailfake.NewDB()})
	_, addr := startTestServer(t, Configuration{
		Directory: newTestDirectory(t, directory.Mailbox{Address: "me@example.com"}),
		Mails:     store,
	})
	c := dialLineClient(t, addr)
	_, err := c.expectStatus("220")
	require.NoError(t, err)

	steps := []struct {
		line     string
		expected string
	}{
		{line: "MAIL", expected: "501 Syntax: MAIL FROM:<address>"},
		{line: "RCPT TO:<me@example.com>", expected: "503 Error: need MAIL command"},
		{line: "HELO", expected: "501 Syntax: HELO hostname"},
		{line: "HELO client.example.com", expected: "250 test.server.com Hello 127.0.0.1"},
		{line: "HELO client.example.com", expected: "503 Duplicate HELO/EHLO"},
		{line: "MAIL FROM:<sender@example.org>", expected: "250 Ok"},
		{line: "MAIL FROM:<sender@example.org>", expected: "503 Error: nested MAIL command"},
		{line: "DATA", expected: "503 Error: need RCPT command"},
		{line: "RCPT TO:<nobody@example.com>", expected: "553 Mailbox name invalid"},
		{line: "RCPT TO:<me@example.com>", expected: "250 Ok"},
		{line: "VRFY me@example.com", expected: "250 me@example.com"},
		{line: "EXPN staff", expected: `502 Error: command "EXPN" not implemented`},
		{line: "STARTTLS", expected: `502 Error: command "STARTTLS" not implemented`},
		{line: "DATA", expected: "354 End data with <CR><LF>.<CR><LF>"},
	}
	for _, step := range steps {
		assert.Equal(t, step.expected, c.cmd(t, step.line), step.line)
	}

	for _, line := range []string{"Subject: scenario", "", ".leading dot", "."} {
		require.NoError(t, c.writeLineC(line))
	}
	// one leading dot is removed from content lines
	reply, err := c.expectStatus("250")
	require.NoError(t, err)
	assert.Equal(t, "250 Ok", reply)

	assert.Equal(t, "250 Ok", c.cmd(t, "NOOP"))
	assert.Equal(t, "221 test.server.com closing connection", c.cmd(t, "QUIT See you later"))

	_, err = c.reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)

	received, err := store.GetMailsByRecipient("me@example.com")
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "Subject: scenario\r\n\r\nleading dot\r\n", received[0].Data)
}

func TestLineTooLong(t *testing.T) {
	_, addr := startTestServer(t, Configuration{})
	c := dialLineClient(t, addr)
	_, err := c.expectStatus("220")
	require.NoError(t, err)

	assert.Equal(t, "500 Error: line too long", c.cmd(t, "NOOP "+strings.Repeat("x", maxLineLength)))
	assert.Equal(t, "250 Ok", c.cmd(t, "NOOP"))
}

func TestPipelinedCommands(t *testing.T) {
	_, addr := startTestServer(t, Configuration{})
	c := dialLineClient(t, addr)
	_, err := c.expectStatus("220")
	require.NoError(t, err)

	_, err = c.writer.WriteString("EHLO client.example.com\r\nMAIL FROM:<a@example.org>\r\nRCPT TO:<b@example.com>\r\nRSET\r\nNOOP\r\n")
	require.NoError(t, err)
	require.NoError(t, c.writer.Flush())

	for _, expected := range []string{"250 test.server.com Hello 127.0.0.1", "250 Ok", "250 Ok", "250 Ok", "250 Ok"} {
		reply, err := c.readReply()
		require.NoError(t, err)
		assert.Equal(t, expected, reply)
	}
}

func TestClientDisconnectEndsSession(t *testing.T) {
	srv, addr := startTestServer(t, Configuration{})
	c := dialLineClient(t, addr)
	_, err := c.expectStatus("220")
	require.NoError(t, err)

	assert.Equal(t, int64(1), srv.Stats().Connections.Current)
	require.NoError(t, c.conn.Close())

	assert.Eventually(t, func() bool {
		return srv.Stats().Connections.Current == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.Stats().Connections.Total)
}

func TestIdleTimeout(t *testing.T) {
	_, addr := startTestServer(t, Configuration{IdleTimeout: 100 * time.Millisecond})
	c := dialLineClient(t, addr)
	_, err := c.expectStatus("220")
	require.NoError(t, err)

	_, err = c.reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseEndsSessions(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := newTestServer(Configuration{})
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(context.Background(), listener)
	}()

	c := dialLineClient(t, listener.Addr().String())
	_, err = c.expectStatus("220")
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	assert.NoError(t, <-done)

	_, err = c.reader.ReadString('\n')
	assert.Error(t, err)

	assert.True(t, errors.Is(srv.Serve(context.Background(), listener), ErrServerClosed))
}

func TestStartAndClose(t *testing.T) {
	srv := newTestServer(Configuration{Port: "0"})

	done := make(chan error, 1)
	go func() {
		done <- srv.Start()
	}()

	assert.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.listener != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	assert.NoError(t, <-done)
}

func TestNextAcceptDelay(t *testing.T) {
	var delays []time.Duration
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = nextAcceptDelay(d)
		delays = append(delays, d)
	}

	assert.Equal(t, 5*time.Millisecond, delays[0])
	assert.Equal(t, 10*time.Millisecond, delays[1])
	assert.Equal(t, 640*time.Millisecond, delays[7])
	assert.Equal(t, time.Second, delays[8])
	assert.Equal(t, time.Second, delays[9])
}

// flakyListener fails its first Accept calls until fails reaches zero.
type flakyListener struct {
	net.Listener
	mu       sync.Mutex
	fails    int
	attempts []time.Time
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	l.attempts = append(l.attempts, time.Now())
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, errors.New("accept: too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestAcceptErrorsBackOff(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener := &flakyListener{Listener: inner, fails: 3}

	srv := newTestServer(Configuration{})
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(context.Background(), listener)
	}()

	c := dialLineClient(t, inner.Addr().String())
	_, err = c.expectStatus("220")
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	assert.NoError(t, <-done)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.GreaterOrEqual(t, len(listener.attempts), 4)
	// 5ms + 10ms + 20ms of pauses before the fourth attempt
	assert.GreaterOrEqual(t, listener.attempts[3].Sub(listener.attempts[0]), 35*time.Millisecond)
}
