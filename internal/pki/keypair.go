package pki

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrKeyMismatch is returned when a private key does not belong to a certificate.
var ErrKeyMismatch = errors.New("public keys do not match")

// VerifyCertKeyPair checks that a certificate's public key matches a private key.
// ECDSA, RSA and Ed25519 keys are supported.
func VerifyCertKeyPair(cert *x509.Certificate, key crypto.PrivateKey) error {
	if cert == nil {
		return errors.New("certificate is nil")
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("private key of type %T cannot sign", key)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("public key of type %T cannot be compared", signer.Public())
	}

	if !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}

	return nil
}
