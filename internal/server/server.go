// Package server runs the authentication web hook over a TLS acceptor.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	httpmiddleware "github.com/wolfeidau/authserver/internal/http"
)

const defaultShutdownTimeout = 10 * time.Second

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger for request logs and http.Server errors.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTracing wraps the handler with OpenTelemetry HTTP instrumentation.
func WithTracing(enabled bool) Option {
	return func(s *Server) { s.tracing = enabled }
}

// WithShutdownTimeout bounds how long Run waits for active requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// Server serves HTTP/1.1 on connections yielded by a listener, normally an
// *acceptor.Acceptor whose connections have already completed their TLS handshake.
type Server struct {
	ln              net.Listener
	srv             *http.Server
	log             zerolog.Logger
	tracing         bool
	shutdownTimeout time.Duration
}

// New builds a Server for handler on ln. Nothing is served until Run.
func New(ln net.Listener, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		ln:              ln,
		log:             zerolog.Nop(),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	handler = httpmiddleware.RequestLogger(s.log)(handler)
	if s.tracing {
		handler = otelhttp.NewHandler(handler, "authserver")
	}

	s.srv = configureHTTPServer(ln.Addr().String(), handler)
	s.srv.ErrorLog = stdlog.New(s.log.With().Str("source", "net/http").Logger(), "", 0)

	return s
}

// Run serves until ctx is cancelled or the listener fails, then shuts the
// server down gracefully. It returns nil after a requested shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.ln.Addr().String()).Msg("Serving authentication requests")

		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		s.log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
		// a non-nil empty map disables HTTP/2
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
}
