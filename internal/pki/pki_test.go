package pki

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCertificateChain(t *testing.T) {
	ca, err := NewCA("Test CA", time.Hour)
	require.NoError(t, err)
	caCert, err := ca.GetCACertificate()
	require.NoError(t, err)

	server, err := IssueServerCertificate(ca, []string{"localhost"}, time.Hour)
	require.NoError(t, err)

	t.Run("preserves order", func(t *testing.T) {
		data := EncodeCertificates(server.Certificate, caCert)

		chain, err := ParseCertificateChain(data)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		require.Equal(t, "localhost", chain[0].Subject.CommonName)
		require.Equal(t, "Test CA", chain[1].Subject.CommonName)
	})

	t.Run("skips non certificate blocks", func(t *testing.T) {
		keyPEM, err := EncodePrivateKey(server.PrivateKey)
		require.NoError(t, err)

		data := append(keyPEM, EncodeCertificates(server.Certificate)...)

		chain, err := ParseCertificateChain(data)
		require.NoError(t, err)
		require.Len(t, chain, 1)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := ParseCertificateChain(nil)
		require.ErrorIs(t, err, ErrNoCertificates)
	})

	t.Run("corrupt certificate", func(t *testing.T) {
		data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("garbage")})

		_, err := ParseCertificateChain(data)
		require.Error(t, err)
	})
}

func TestParsePrivateKey(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "PKCS#8",
			data: mustEncodeKey(t, ecKey),
		},
		{
			name: "SEC 1",
			data: pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: ecDER}),
		},
		{
			name: "PKCS#1",
			data: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParsePrivateKey(tt.data)
			require.NoError(t, err)
			require.NotNil(t, key.Public())
		})
	}

	t.Run("no key", func(t *testing.T) {
		_, err := ParsePrivateKey([]byte("not pem"))
		require.ErrorIs(t, err, ErrNoPrivateKey)
	})
}

func TestVerifyCertKeyPair(t *testing.T) {
	issued, err := SelfSignedServerCertificate([]string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	other, err := SelfSignedServerCertificate([]string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, VerifyCertKeyPair(issued.Certificate, issued.PrivateKey))
	require.ErrorIs(t, VerifyCertKeyPair(issued.Certificate, other.PrivateKey), ErrKeyMismatch)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.ErrorIs(t, VerifyCertKeyPair(issued.Certificate, edKey), ErrKeyMismatch)

	require.Error(t, VerifyCertKeyPair(issued.Certificate, "not a key"))
	require.Error(t, VerifyCertKeyPair(nil, issued.PrivateKey))
}

func TestIssueCertificates(t *testing.T) {
	ca, err := NewCA("Issuing CA", time.Hour)
	require.NoError(t, err)
	caCert, err := ca.GetCACertificate()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	t.Run("server certificate", func(t *testing.T) {
		server, err := IssueServerCertificate(ca, []string{"auth.example.com", "127.0.0.1"}, time.Hour)
		require.NoError(t, err)
		require.Equal(t, []string{"auth.example.com"}, server.Certificate.DNSNames)
		require.Len(t, server.Certificate.IPAddresses, 1)

		_, err = server.Certificate.Verify(x509.VerifyOptions{
			DNSName:   "auth.example.com",
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		require.NoError(t, err)
	})

	t.Run("client certificate", func(t *testing.T) {
		client, err := IssueClientCertificate(ca, "sensor-01", time.Hour)
		require.NoError(t, err)
		require.Equal(t, "sensor-01", client.Certificate.Subject.CommonName)

		_, err = client.Certificate.Verify(x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		require.NoError(t, err)

		tlsCert := client.TLSCertificate(caCert)
		require.Len(t, tlsCert.Certificate, 2)
	})

	t.Run("signer rejects non CA", func(t *testing.T) {
		leaf, err := SelfSignedServerCertificate(nil, time.Hour)
		require.NoError(t, err)

		_, err = NewLocalSigner(leaf.Certificate, leaf.PrivateKey)
		require.Error(t, err)
	})
}

func TestFileSigner(t *testing.T) {
	dir := t.TempDir()
	ca, err := NewCA("File CA", time.Hour)
	require.NoError(t, err)
	caCert, err := ca.GetCACertificate()
	require.NoError(t, err)

	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")
	require.NoError(t, WriteCertificates(certPath, caCert))
	require.NoError(t, WritePrivateKey(keyPath, ca.PrivateKey()))

	signer, err := NewFileSigner(keyPath, certPath)
	require.NoError(t, err)

	client, err := IssueClientCertificate(signer, "device", time.Hour)
	require.NoError(t, err)
	require.NoError(t, client.Certificate.CheckSignatureFrom(caCert))

	_, err = NewFileSigner(filepath.Join(dir, "missing.pem"), certPath)
	require.Error(t, err)
}

func mustEncodeKey(t *testing.T, key any) []byte {
	t.Helper()
	data, err := EncodePrivateKey(key)
	require.NoError(t, err)
	return data
}
