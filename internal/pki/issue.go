package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const organization = "authserver"

// Issued is a certificate together with its private key.
type Issued struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// TLSCertificate builds a tls.Certificate presenting the issued certificate
// followed by any intermediates.
func (i *Issued) TLSCertificate(intermediates ...*x509.Certificate) tls.Certificate {
	cert := tls.Certificate{
		Certificate: [][]byte{i.Certificate.Raw},
		PrivateKey:  i.PrivateKey,
		Leaf:        i.Certificate,
	}
	for _, c := range intermediates {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert
}

// NewCA generates a P-256 key and a self-signed CA certificate.
func NewCA(commonName string, validity time.Duration) (*LocalSigner, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{organization},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return NewLocalSigner(caCert, caKey)
}

// IssueServerCertificate issues a server authentication certificate for hosts.
// Hosts that parse as IP addresses become IP SANs, the rest DNS SANs.
func IssueServerCertificate(signer CASigner, hosts []string, validity time.Duration) (*Issued, error) {
	template, key, err := leafTemplate(commonNameFor(hosts), validity, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, err
	}
	addHosts(template, hosts)

	return sign(signer, template, key)
}

// IssueClientCertificate issues a client authentication certificate.
func IssueClientCertificate(signer CASigner, commonName string, validity time.Duration) (*Issued, error) {
	template, key, err := leafTemplate(commonName, validity, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, err
	}

	return sign(signer, template, key)
}

// SelfSignedServerCertificate creates a server certificate signed by its own key.
func SelfSignedServerCertificate(hosts []string, validity time.Duration) (*Issued, error) {
	template, key, err := leafTemplate(commonNameFor(hosts), validity, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, err
	}
	addHosts(template, hosts)

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Issued{Certificate: cert, PrivateKey: key}, nil
}

func leafTemplate(commonName string, validity time.Duration, usage x509.ExtKeyUsage) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{organization},
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{usage},
		PublicKey:   &key.PublicKey,
	}

	return template, key, nil
}

func sign(signer CASigner, template *x509.Certificate, key crypto.Signer) (*Issued, error) {
	certDER, err := signer.SignCertificate(template)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Issued{Certificate: cert, PrivateKey: key}, nil
}

func addHosts(template *x509.Certificate, hosts []string) {
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, h)
	}
}

func commonNameFor(hosts []string) string {
	if len(hosts) == 0 {
		return "localhost"
	}
	return hosts[0]
}

func newSerialNumber() (*big.Int, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serialNumber, nil
}
