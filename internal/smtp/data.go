package smtp

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/OliverSchlueter/goutils/sloki"

	"github.com/OliverSchlueter/smtpevent/internal/mails"
)

var errLineTooLong = errors.New("line too long")

// readLine reads one CRLF (or LF) terminated line and strips the line ending.
// A line longer than limit is consumed completely and reported as
// errLineTooLong, so the connection stays in sync.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > limit+2 {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}

	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

func (s *Server) dataLineLimit() int {
	if s.maxMessageSize <= 0 || s.maxMessageSize > math.MaxInt32 {
		return math.MaxInt32 - 2
	}
	return int(s.maxMessageSize)
}

func (s *Server) handleData(session *Session, w *bufio.Writer, arg string) {
	if strings.TrimSpace(arg) != "" {
		writeLine(w, fmt.Sprintf(StatusSyntax, VerbData.Syntax()))
		return
	}

	if len(session.Mail.To) == 0 {
		slog.Warn(fmt.Sprintf("%s command received without any recipients", VerbData), "session_id", session.ID)
		writeLine(w, StatusNeedRcpt)
		return
	}

	session.Mail.ReadingData = true
	session.Mail.Data.Reset()
	writeLine(w, StatusStartMailInput)
}

// handleDataLine collects one line of message content. A line that is
// exactly "." ends the message.
func (s *Server) handleDataLine(session *Session, w *bufio.Writer, line string) {
	if line == "." {
		s.deliver(session, w)
		return
	}

	if session.Mail.TooLarge {
		return
	}

	// transparency, RFC 5321 section 4.5.2
	line = strings.TrimPrefix(line, ".")

	if s.maxMessageSize > 0 && int64(session.Mail.Data.Len()+len(line)+2) > s.maxMessageSize {
		slog.Warn("Message exceeds maximum size", "session_id", session.ID, "max_size", s.maxMessageSize)
		session.Mail.TooLarge = true
		session.Mail.Data.Reset()
		return
	}

	session.Mail.Data.WriteString(line)
	session.Mail.Data.WriteString("\r\n")
}

// deliver hands a completed message to the mail store and ends the
// transaction, whatever the outcome.
func (s *Server) deliver(session *Session, w *bufio.Writer) {
	defer session.Mail.Reset()

	if session.Mail.TooLarge {
		writeLine(w, StatusMessageTooLarge)
		return
	}

	data := session.Mail.Data.Bytes()
	m := mails.Mail{
		Helo:       session.Hostname,
		RemoteAddr: session.RemoteIP,
		From:       session.Mail.From,
		To:         append([]string(nil), session.Mail.To...),
		Size:       len(data),
		Data:       string(data),
	}

	if s.dkimEnabled {
		m.DKIM = s.verifyDKIM(data)
	}

	if s.mails == nil {
		s.counters.messages.Add(1)
		slog.Info("Incoming email received", "session_id", session.ID, "from", m.From, "to", m.To, "size", m.Size)
		writeLine(w, StatusOK)
		return
	}

	stored, err := s.mails.CreateMail(m)
	if err != nil {
		slog.Error("Failed to save incoming email", "session_id", session.ID, sloki.WrapError(err))
		writeLine(w, StatusLocalError)
		return
	}

	s.counters.messages.Add(1)
	slog.Info("Incoming email received", "session_id", session.ID, "id", stored.ID, "from", stored.From, "to", stored.To, "size", stored.Size)
	writeLine(w, StatusOK)
}
