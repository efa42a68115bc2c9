package acceptor

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	"github.com/wolfeidau/authserver/internal/pki"
)

// Profile selects the protocol versions and cipher suites offered to clients.
type Profile int

const (
	// ProfileIntermediate accepts TLS 1.2 with ECDHE AEAD suites and TLS 1.3.
	ProfileIntermediate Profile = iota
	// ProfileModern accepts TLS 1.3 only.
	ProfileModern
)

// ParseProfile parses "intermediate" or "modern".
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "", "intermediate":
		return ProfileIntermediate, nil
	case "modern":
		return ProfileModern, nil
	}
	return 0, fmt.Errorf("%w: unknown TLS profile %q", ErrConfiguration, s)
}

func (p Profile) String() string {
	if p == ProfileModern {
		return "modern"
	}
	return "intermediate"
}

func (p Profile) apply(cfg *tls.Config) {
	if p == ProfileModern {
		cfg.MinVersion = tls.VersionTLS13
		return
	}

	cfg.MinVersion = tls.VersionTLS12
	cfg.CipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
}

// FactoryOption customises a SessionFactory.
type FactoryOption func(*factoryOptions)

type factoryOptions struct {
	profile    Profile
	nextProtos []string
}

// WithProfile selects the TLS profile, ProfileIntermediate by default.
func WithProfile(p Profile) FactoryOption {
	return func(o *factoryOptions) { o.profile = p }
}

// WithNextProtos sets the ALPN protocols offered during the handshake.
func WithNextProtos(protos ...string) FactoryOption {
	return func(o *factoryOptions) { o.nextProtos = protos }
}

// SessionFactory creates server-side TLS sessions from one immutable configuration.
// It is safe for concurrent use by any number of handshakes.
type SessionFactory struct {
	config  *tls.Config
	policy  VerificationPolicy
	profile Profile
	leaf    *x509.Certificate
}

// NewSessionFactory validates the server identity and builds the TLS configuration.
// chain[0] is the leaf certificate bound to key; the remaining entries are sent to
// clients as intermediates in the order given. A nil policy means NoClientAuth.
func NewSessionFactory(chain []*x509.Certificate, key crypto.PrivateKey, policy VerificationPolicy, opts ...FactoryOption) (*SessionFactory, error) {
	if len(chain) == 0 || chain[0] == nil {
		return nil, ErrMissingServerCertificate
	}

	o := factoryOptions{profile: ProfileIntermediate}
	for _, opt := range opts {
		opt(&o)
	}

	leaf := chain[0]
	if key == nil {
		return nil, fmt.Errorf("%w: no private key provided", ErrKeyMismatch)
	}
	if err := pki.VerifyCertKeyPair(leaf, key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMismatch, err)
	}

	identity := tls.Certificate{
		PrivateKey: key,
		Leaf:       leaf,
	}
	for i, cert := range chain {
		if cert == nil {
			return nil, fmt.Errorf("%w: chain certificate %d is nil", ErrConfiguration, i)
		}
		identity.Certificate = append(identity.Certificate, cert.Raw)
	}

	if policy == nil {
		policy = NoClientAuth()
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{identity},
		NextProtos:   o.nextProtos,
	}
	o.profile.apply(cfg)

	if err := policy.apply(cfg); err != nil {
		return nil, err
	}

	return &SessionFactory{
		config:  cfg,
		policy:  policy,
		profile: o.profile,
		leaf:    leaf,
	}, nil
}

// Server starts a new server session over conn. The handshake runs on first use.
func (f *SessionFactory) Server(conn net.Conn) *tls.Conn {
	return tls.Server(conn, f.config)
}

// Policy returns the client verification policy.
func (f *SessionFactory) Policy() VerificationPolicy { return f.policy }

// Profile returns the TLS profile.
func (f *SessionFactory) Profile() Profile { return f.profile }

// Leaf returns the server identity certificate.
func (f *SessionFactory) Leaf() *x509.Certificate { return f.leaf }
