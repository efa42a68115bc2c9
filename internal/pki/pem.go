package pki

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	blockCertificate   = "CERTIFICATE"
	blockPKCS8Key      = "PRIVATE KEY"
	blockECPrivateKey  = "EC PRIVATE KEY"
	blockRSAPrivateKey = "RSA PRIVATE KEY"
)

var (
	// ErrNoCertificates is returned when PEM data holds no CERTIFICATE block.
	ErrNoCertificates = errors.New("no certificates found in PEM data")

	// ErrNoPrivateKey is returned when PEM data holds no supported private key block.
	ErrNoPrivateKey = errors.New("no private key found in PEM data")
)

// ParseCertificateChain parses every CERTIFICATE block in data, preserving order.
// Blocks of other types are skipped.
func ParseCertificateChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != blockCertificate {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, ErrNoCertificates
	}

	return chain, nil
}

// ParsePrivateKey parses the first private key block in data.
// PKCS#8, SEC 1 (EC) and PKCS#1 (RSA) encodings are accepted.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoPrivateKey
		}

		switch block.Type {
		case blockPKCS8Key:
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", key)
			}
			return signer, nil

		case blockECPrivateKey:
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse EC private key: %w", err)
			}
			return key, nil

		case blockRSAPrivateKey:
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
			}
			return key, nil
		}
	}
}

// LoadCertificateChain reads and parses a PEM certificate chain file.
func LoadCertificateChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	chain, err := ParseCertificateChain(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return chain, nil
}

// LoadPrivateKey reads and parses a PEM private key file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return key, nil
}

// EncodeCertificates PEM encodes certificates in the given order.
func EncodeCertificates(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:  blockCertificate,
			Bytes: cert.Raw,
		})...)
	}
	return out
}

// EncodePrivateKey PEM encodes a private key as PKCS#8.
func EncodePrivateKey(key crypto.PrivateKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  blockPKCS8Key,
		Bytes: keyBytes,
	}), nil
}

// WriteCertificates writes a PEM certificate chain to path.
func WriteCertificates(path string, certs ...*x509.Certificate) error {
	return os.WriteFile(path, EncodeCertificates(certs...), 0600)
}

// WritePrivateKey writes a PKCS#8 PEM private key to path.
func WritePrivateKey(path string, key crypto.PrivateKey) error {
	keyPEM, err := EncodePrivateKey(key)
	if err != nil {
		return err
	}

	return os.WriteFile(path, keyPEM, 0600)
}
