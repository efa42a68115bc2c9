package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
)

// LocalSigner implements CASigner using a CA private key held in memory.
// This is intended for local development only - not for production use.
type LocalSigner struct {
	caKey  crypto.Signer
	caCert *x509.Certificate
}

// NewLocalSigner creates a LocalSigner from an already parsed CA certificate and key.
func NewLocalSigner(caCert *x509.Certificate, caKey crypto.Signer) (*LocalSigner, error) {
	if caCert == nil {
		return nil, errors.New("CA certificate is required")
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject.CommonName)
	}

	if err := VerifyCertKeyPair(caCert, caKey); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}

	return &LocalSigner{
		caKey:  caKey,
		caCert: caCert,
	}, nil
}

// NewFileSigner creates a LocalSigner from PEM-encoded key and certificate files.
// The first certificate in caCertPath is used as the CA certificate.
func NewFileSigner(caKeyPath, caCertPath string) (*LocalSigner, error) {
	caKey, err := LoadPrivateKey(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA key: %w", err)
	}

	chain, err := LoadCertificateChain(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	return NewLocalSigner(chain[0], caKey)
}

// SignCertificate signs a certificate template using the CA private key.
// Returns DER-encoded certificate bytes.
func (s *LocalSigner) SignCertificate(template *x509.Certificate) ([]byte, error) {
	if template.PublicKey == nil {
		return nil, errors.New("certificate template has no public key")
	}
	return x509.CreateCertificate(rand.Reader, template, s.caCert, template.PublicKey, s.caKey)
}

// GetCACertificate returns the CA certificate.
func (s *LocalSigner) GetCACertificate() (*x509.Certificate, error) {
	return s.caCert, nil
}

// PrivateKey returns the CA private key so it can be persisted by bootstrap tooling.
func (s *LocalSigner) PrivateKey() crypto.Signer {
	return s.caKey
}
