package pki

import (
	"crypto/x509"
)

// CASigner signs certificate templates with a certificate authority key.
// LocalSigner is the only implementation; it keeps the CA key in memory and is
// intended for development and tests.
type CASigner interface {
	// SignCertificate signs a certificate template and returns the DER-encoded certificate bytes.
	// The template must carry the subject public key in its PublicKey field.
	SignCertificate(template *x509.Certificate) ([]byte, error)

	// GetCACertificate returns the CA certificate (public key only).
	// This is used for building certificate chains and client trust stores.
	GetCACertificate() (*x509.Certificate, error)
}
