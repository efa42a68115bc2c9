package acceptor

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"
)

// VerificationPolicy decides whether connecting clients must present a certificate.
// The only implementations are NoClientAuth and RequireClientAuth.
type VerificationPolicy interface {
	apply(cfg *tls.Config) error
	String() string
}

type noClientAuth struct{}

// NoClientAuth neither requests nor verifies client certificates.
func NoClientAuth() VerificationPolicy {
	return noClientAuth{}
}

func (noClientAuth) apply(cfg *tls.Config) error {
	cfg.ClientAuth = tls.NoClientCert
	return nil
}

func (noClientAuth) String() string { return "none" }

type requireClientAuth struct {
	anchors []*x509.Certificate
}

// RequireClientAuth requires every client to present a certificate chaining to
// one of anchors. Handshakes without a valid certificate fail.
func RequireClientAuth(anchors []*x509.Certificate) VerificationPolicy {
	return requireClientAuth{anchors: slices.Clone(anchors)}
}

func (p requireClientAuth) apply(cfg *tls.Config) error {
	if len(p.anchors) == 0 {
		return fmt.Errorf("%w: no trust anchors provided", ErrInvalidTrustStore)
	}

	pool := x509.NewCertPool()
	for i, cert := range p.anchors {
		if cert == nil {
			return fmt.Errorf("%w: trust anchor %d is nil", ErrInvalidTrustStore, i)
		}
		pool.AddCert(cert)
	}

	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert

	return nil
}

func (p requireClientAuth) String() string { return "require" }

// PolicyFor maps an optional trust anchor set to a policy: nil disables client
// authentication, anything else requires it.
func PolicyFor(anchors []*x509.Certificate) VerificationPolicy {
	if anchors == nil {
		return NoClientAuth()
	}
	return RequireClientAuth(anchors)
}
