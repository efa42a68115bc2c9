package acceptor

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// handshake is one accepted raw connection being upgraded to TLS.
type handshake struct {
	id      string
	raw     net.Conn
	conn    *tls.Conn
	started time.Time
}

func newHandshake(raw net.Conn, factory *SessionFactory) *handshake {
	return &handshake{
		id:      uuid.NewString(),
		raw:     raw,
		conn:    factory.Server(raw),
		started: time.Now(),
	}
}

// run drives the server handshake to completion. A failed handshake is terminal
// for the connection: the raw socket is closed and nothing is retried.
func (h *handshake) run(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := h.conn.HandshakeContext(ctx); err != nil {
		_ = h.raw.Close()
		return err
	}

	return nil
}

func (h *handshake) elapsed() time.Duration {
	return time.Since(h.started)
}

func (h *handshake) remoteAddr() string {
	if addr := h.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// logContext attaches the connection identity to a log event.
func (h *handshake) logContext(e *zerolog.Event) *zerolog.Event {
	return e.Str("conn_id", h.id).
		Str("remote_addr", h.remoteAddr()).
		Dur("duration", h.elapsed())
}

// logState attaches the negotiated session parameters to a log event.
func logState(e *zerolog.Event, state tls.ConnectionState) *zerolog.Event {
	e = e.Str("tls_version", tls.VersionName(state.Version)).
		Str("cipher_suite", tls.CipherSuiteName(state.CipherSuite))

	if state.NegotiatedProtocol != "" {
		e = e.Str("alpn", state.NegotiatedProtocol)
	}
	if state.ServerName != "" {
		e = e.Str("server_name", state.ServerName)
	}
	if len(state.PeerCertificates) > 0 {
		e = e.Str("peer", state.PeerCertificates[0].Subject.CommonName)
	}

	return e
}
