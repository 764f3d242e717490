package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// LoadTLSConfig builds the server side TLS configuration used for STARTTLS.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	return &tls.Config{
		Certificates:           []tls.Certificate{cert},
		MinVersion:             tls.VersionTLS12,
		SessionTicketsDisabled: true,
		Renegotiation:          tls.RenegotiateNever,
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
	}, nil
}

// upgrade runs the server handshake on conn. On failure the caller must
// close the connection without replying.
func (s *Server) upgrade(conn net.Conn) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, s.tlsConfig)

	if err := tlsConn.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return nil, err
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return tlsConn, nil
}
