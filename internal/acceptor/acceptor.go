// Package acceptor terminates TLS in front of an HTTP server.
//
// An Acceptor owns a listening socket and a SessionFactory. Every raw connection
// accepted from the socket gets its own handshake goroutine; connections whose
// handshake completes are handed out by Accept in completion order, so a slow or
// broken client never holds up the ones behind it. Failed handshakes are logged
// and dropped without affecting the listener.
package acceptor

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/wolfeidau/authserver/internal/telemetry"
)

var _ net.Listener = (*Acceptor)(nil)

// ListenerConfig is the parsed configuration for a TLS listener.
type ListenerConfig struct {
	// Addr is the TCP bind address, e.g. "0.0.0.0:8443".
	Addr string

	// CertChain is the server certificate followed by its intermediates.
	CertChain []*x509.Certificate

	// PrivateKey belongs to CertChain[0].
	PrivateKey crypto.PrivateKey

	// TrustAnchors enables client certificate verification when non-nil.
	TrustAnchors []*x509.Certificate

	Profile Profile

	// NextProtos are the ALPN protocols offered to clients.
	NextProtos []string
}

// Option customises an Acceptor.
type Option func(*Acceptor)

// WithLogger sets the logger used for accept and handshake events.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Acceptor) { a.log = log }
}

// WithMetrics overrides the metric instruments, telemetry.GetMetrics by default.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Acceptor) { a.metrics = m }
}

// WithHandshakeTimeout abandons handshakes that take longer than d.
// Zero, the default, never times out.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Acceptor) { a.handshakeTimeout = d }
}

// WithMaxInFlight stops accepting new connections while n handshakes are
// unresolved. Zero, the default, is unbounded.
func WithMaxInFlight(n int) Option {
	return func(a *Acceptor) {
		if n > 0 {
			a.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithAcceptBackOff sets the delay policy applied after transient accept errors.
func WithAcceptBackOff(newBackOff func() backoff.BackOff) Option {
	return func(a *Acceptor) { a.newBackOff = newBackOff }
}

// Acceptor is a net.Listener yielding connections that completed a TLS handshake.
// Connections returned by Accept are *tls.Conn and belong to the caller.
type Acceptor struct {
	ln      net.Listener
	factory *SessionFactory

	log              zerolog.Logger
	metrics          *telemetry.Metrics
	handshakeTimeout time.Duration
	slots            *semaphore.Weighted
	newBackOff       func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc

	ready chan *tls.Conn
	done  chan struct{}

	mu       sync.Mutex
	inFlight map[string]*handshake
	err      error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds the session factory from cfg, binds cfg.Addr and starts accepting.
// Configuration errors wrap ErrConfiguration.
func New(cfg ListenerConfig, opts ...Option) (*Acceptor, error) {
	factory, err := NewSessionFactory(cfg.CertChain, cfg.PrivateKey, PolicyFor(cfg.TrustAnchors),
		WithProfile(cfg.Profile),
		WithNextProtos(cfg.NextProtos...),
	)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	return NewWithListener(ln, factory, opts...), nil
}

// NewWithListener starts accepting on an existing listener. The Acceptor takes
// ownership of ln and closes it on Close.
func NewWithListener(ln net.Listener, factory *SessionFactory, opts ...Option) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Acceptor{
		ln:         ln,
		factory:    factory,
		log:        zerolog.Nop(),
		newBackOff: defaultBackOff,
		ctx:        ctx,
		cancel:     cancel,
		ready:      make(chan *tls.Conn),
		done:       make(chan struct{}),
		inFlight:   make(map[string]*handshake),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = telemetry.GetMetrics()
	}

	a.log.Info().
		Str("addr", ln.Addr().String()).
		Str("client_auth", factory.Policy().String()).
		Str("profile", factory.Profile().String()).
		Dur("handshake_timeout", a.handshakeTimeout).
		Msg("Listening for TLS connections")

	a.wg.Add(1)
	go a.acceptLoop()

	return a
}

// Accept waits for the next connection whose TLS handshake has completed.
// It only fails once the acceptor is closed or the listening socket is gone.
func (a *Acceptor) Accept() (net.Conn, error) {
	select {
	case conn := <-a.ready:
		return conn, nil
	case <-a.done:
		return nil, a.terminalErr()
	}
}

// Close stops accepting, aborts every in-flight handshake and closes its socket,
// then waits for all handshake goroutines to exit. Connections already returned
// by Accept are not touched.
func (a *Acceptor) Close() error {
	err := a.shutdown(net.ErrClosed)
	a.wg.Wait()
	return err
}

// Addr returns the listener's network address.
func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// InFlight returns the number of handshakes that have not resolved yet.
func (a *Acceptor) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inFlight)
}

// acceptLoop drains arrivals from the listening socket, starting a handshake
// for each one.
func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()

	bo := a.newBackOff()

	for {
		if a.slots != nil {
			if err := a.slots.Acquire(a.ctx, 1); err != nil {
				return
			}
		}

		raw, err := a.ln.Accept()
		if err != nil {
			a.release()

			if a.ctx.Err() != nil {
				return
			}

			if errors.Is(err, net.ErrClosed) {
				a.log.Error().Err(err).Msg("Listening socket closed, shutting down acceptor")
				_ = a.shutdown(err)
				return
			}

			a.metrics.AcceptErrorsTotal.Add(a.ctx, 1)

			delay := bo.NextBackOff()
			a.log.Warn().
				Err(err).
				Dur("next_retry", delay).
				Msg("Dropping client that failed to completely establish a TCP connection")

			select {
			case <-time.After(delay):
			case <-a.ctx.Done():
				return
			}
			continue
		}

		bo.Reset()
		a.dispatch(raw)
	}
}

// dispatch registers a handshake for raw and starts it. It never blocks.
func (a *Acceptor) dispatch(raw net.Conn) {
	h := newHandshake(raw, a.factory)

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		_ = raw.Close()
		a.release()
		return
	}
	a.inFlight[h.id] = h
	a.wg.Add(1)
	a.mu.Unlock()

	a.metrics.ConnectionsAcceptedTotal.Add(a.ctx, 1)
	a.metrics.HandshakesInFlight.Add(a.ctx, 1)

	h.logContext(a.log.Debug()).Msg("Accepted TCP connection, starting TLS handshake")

	go a.complete(h)
}

// complete runs one handshake and hands a successful connection to Accept.
func (a *Acceptor) complete(h *handshake) {
	defer a.wg.Done()

	err := h.run(a.ctx, a.handshakeTimeout)

	a.remove(h)
	a.release()
	a.metrics.HandshakesInFlight.Add(a.ctx, -1)
	a.metrics.HandshakeDuration.Record(a.ctx, float64(h.elapsed())/float64(time.Millisecond))

	if err != nil {
		a.metrics.HandshakesFailedTotal.Add(a.ctx, 1)

		if a.ctx.Err() != nil {
			h.logContext(a.log.Debug()).Err(err).Msg("Handshake abandoned during shutdown")
			return
		}

		h.logContext(a.log.Warn()).Err(err).Msg("Dropping client that failed to complete a TLS handshake")
		return
	}

	select {
	case a.ready <- h.conn:
		a.metrics.HandshakesCompletedTotal.Add(a.ctx, 1)
		logState(h.logContext(a.log.Info()), h.conn.ConnectionState()).Msg("Accepted connection from client")
	case <-a.ctx.Done():
		_ = h.conn.Close()
		a.metrics.HandshakesFailedTotal.Add(a.ctx, 1)
		h.logContext(a.log.Debug()).Msg("Closing unclaimed connection during shutdown")
	}
}

// shutdown records cause as the terminal error and tears everything down once.
func (a *Acceptor) shutdown(cause error) error {
	var err error

	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.err = cause
		a.cancel()
		pending := make([]*handshake, 0, len(a.inFlight))
		for _, h := range a.inFlight {
			pending = append(pending, h)
		}
		a.mu.Unlock()

		close(a.done)

		err = a.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}

		for _, h := range pending {
			_ = h.raw.Close()
		}

		a.log.Info().
			Int("in_flight", len(pending)).
			Msg("Shutting down acceptor")
	})

	return err
}

func (a *Acceptor) remove(h *handshake) {
	a.mu.Lock()
	delete(a.inFlight, h.id)
	a.mu.Unlock()
}

func (a *Acceptor) release() {
	if a.slots != nil {
		a.slots.Release(1)
	}
}

func (a *Acceptor) terminalErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}
