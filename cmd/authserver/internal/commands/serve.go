package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/authserver/internal/acceptor"
	"github.com/wolfeidau/authserver/internal/authn"
	"github.com/wolfeidau/authserver/internal/logger"
	"github.com/wolfeidau/authserver/internal/pki"
	"github.com/wolfeidau/authserver/internal/server"
	"github.com/wolfeidau/authserver/internal/telemetry"
)

type ServeCmd struct {
	// Listener configuration
	Port   uint16 `short:"p" help:"port to listen on, on all interfaces" env:"AUTHSERVER_PORT"`
	Listen string `help:"listen address, takes precedence over --port" default:"" env:"AUTHSERVER_LISTEN"`

	// TLS configuration
	ServerCertChain  string `short:"c" help:"path to the PEM server certificate chain, leaf first" required:"" type:"existingfile" env:"AUTHSERVER_SERVER_CERT_CHAIN"`
	ServerKey        string `short:"k" help:"path to the PEM private key of the server certificate" required:"" type:"existingfile" env:"AUTHSERVER_SERVER_KEY"`
	ClientCertIssuer string `short:"i" help:"path to PEM CA certificates used to verify client certificates, omit to disable client certificate verification" type:"existingfile" env:"AUTHSERVER_CLIENT_CERT_ISSUER"`
	Profile          string `help:"TLS profile" default:"intermediate" enum:"intermediate,modern" env:"AUTHSERVER_TLS_PROFILE"`

	// Handshake limits
	HandshakeTimeout time.Duration `help:"abandon TLS handshakes that take longer than this, 0 waits forever" default:"0s" env:"AUTHSERVER_HANDSHAKE_TIMEOUT"`
	MaxInFlight      int           `help:"maximum concurrent TLS handshakes, 0 is unbounded" default:"0" env:"AUTHSERVER_MAX_IN_FLIGHT"`

	// Authentication
	Policy      string `help:"path to a YAML authentication policy, omit to allow every client" type:"existingfile" env:"AUTHSERVER_POLICY"`
	WatchPolicy bool   `help:"reload the policy when the file changes" default:"true" negatable:"" env:"AUTHSERVER_WATCH_POLICY"`

	// Operational
	Tracing     bool    `help:"enable OpenTelemetry tracing and metrics" default:"false" env:"AUTHSERVER_TRACING"`
	SampleRatio float64 `help:"fraction of traces to sample" default:"1" env:"AUTHSERVER_TRACE_SAMPLE_RATIO"`
	LogLevel    string  `help:"log level" default:"info" enum:"trace,debug,info,warn,error" env:"AUTHSERVER_LOG_LEVEL"`
}

// Validate is called by kong after parsing.
func (c *ServeCmd) Validate() error {
	if c.Listen == "" && c.Port == 0 {
		return errors.New("a listen port is required (--port or --listen)")
	}
	if c.MaxInFlight < 0 {
		return errors.New("--max-in-flight must not be negative")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("--sample-ratio must be between 0 and 1")
	}
	return nil
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Dev, c.LogLevel)

	log.Info().Str("version", globals.Version).Bool("dev", globals.Dev).Msg("Starting auth server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, log, telemetry.Config{
			ServiceName: "authserver",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	cfg, err := c.listenerConfig()
	if err != nil {
		return err
	}

	authenticator, policy, err := c.authenticator(log)
	if err != nil {
		return err
	}

	log.Info().Str("addr", cfg.Addr).Msg("Will listen for TLS connections")

	a, err := acceptor.New(cfg,
		acceptor.WithLogger(logger.Component(log, "acceptor")),
		acceptor.WithHandshakeTimeout(c.HandshakeTimeout),
		acceptor.WithMaxInFlight(c.MaxInFlight),
	)
	if err != nil {
		return fmt.Errorf("failed to start TLS acceptor: %w", err)
	}

	handler := authn.NewHandler(authenticator, authn.WithLogger(logger.Component(log, "authn")))
	srv := server.New(a, handler,
		server.WithLogger(logger.Component(log, "http")),
		server.WithTracing(c.Tracing),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if policy != nil && c.WatchPolicy {
		g.Go(func() error {
			return policy.Watch(gctx, c.Policy)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info().Msg("Auth server stopped")
	return nil
}

func (c *ServeCmd) listenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(int(c.Port)))
}

// listenerConfig loads the TLS material named by the flags.
func (c *ServeCmd) listenerConfig() (acceptor.ListenerConfig, error) {
	profile, err := acceptor.ParseProfile(c.Profile)
	if err != nil {
		return acceptor.ListenerConfig{}, err
	}

	chain, err := pki.LoadCertificateChain(c.ServerCertChain)
	if err != nil {
		return acceptor.ListenerConfig{}, fmt.Errorf("failed to load server certificate chain: %w", err)
	}

	key, err := pki.LoadPrivateKey(c.ServerKey)
	if err != nil {
		return acceptor.ListenerConfig{}, fmt.Errorf("failed to load server key: %w", err)
	}

	cfg := acceptor.ListenerConfig{
		Addr:       c.listenAddr(),
		CertChain:  chain,
		PrivateKey: key,
		Profile:    profile,
		NextProtos: []string{"http/1.1"},
	}

	if c.ClientCertIssuer != "" {
		anchors, err := pki.LoadCertificateChain(c.ClientCertIssuer)
		if err != nil {
			return acceptor.ListenerConfig{}, fmt.Errorf("failed to load client certificate issuers: %w", err)
		}
		cfg.TrustAnchors = anchors
	}

	return cfg, nil
}

// authenticator returns the policy authenticator when a policy is configured,
// otherwise one that allows every client.
func (c *ServeCmd) authenticator(log zerolog.Logger) (authn.Authenticator, *authn.PolicyAuthenticator, error) {
	authLog := logger.Component(log, "authn")

	if c.Policy == "" {
		log.Warn().Msg("No authentication policy configured, every client will be allowed")
		return authn.NewAllowAll(authLog), nil, nil
	}

	p, err := authn.LoadPolicy(c.Policy)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("path", c.Policy).
		Int("users", len(p.Users)).
		Int("certificates", len(p.Certificates)).
		Str("default", p.Default).
		Msg("Loaded authentication policy")

	policy := authn.NewPolicyAuthenticator(authLog, p)
	return policy, policy, nil
}
