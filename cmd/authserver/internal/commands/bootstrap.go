package commands

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/authserver/internal/logger"
	"github.com/wolfeidau/authserver/internal/pki"
)

// BootstrapCmd generates a development PKI: a CA, a server certificate for the
// web hook and a client certificate for the broker.
type BootstrapCmd struct {
	OutputDir    string        `help:"output directory for certificates" default:"./certs" type:"path"`
	Hosts        []string      `help:"server certificate DNS names and IP addresses" default:"localhost,127.0.0.1"`
	ClientName   string        `help:"common name of the broker client certificate" default:"mqtt-broker"`
	CAValidity   time.Duration `help:"CA certificate validity" default:"87600h"`
	Validity     time.Duration `help:"server and client certificate validity" default:"8760h"`
	RotateWithin time.Duration `help:"regenerate the CA when it expires within this duration" default:"720h"`
	Force        bool          `help:"force regeneration of all certificates" default:"false"`
}

// certificatePaths holds paths to generated certificates
type certificatePaths struct {
	caCert     string
	caKey      string
	serverCert string
	serverKey  string
	clientCert string
	clientKey  string
}

func (cmd *BootstrapCmd) Run(globals *Globals) error {
	log := logger.Setup(true, "info")

	log.Info().
		Str("output_dir", cmd.OutputDir).
		Strs("hosts", cmd.Hosts).
		Msg("Starting PKI bootstrap")

	if err := os.MkdirAll(cmd.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := cmd.certificatePaths()

	signer, err := cmd.ensureCA(log, paths)
	if err != nil {
		return fmt.Errorf("failed to ensure CA: %w", err)
	}

	caCert, err := signer.GetCACertificate()
	if err != nil {
		return err
	}

	server, err := pki.IssueServerCertificate(signer, cmd.Hosts, cmd.Validity)
	if err != nil {
		return fmt.Errorf("failed to issue server certificate: %w", err)
	}
	if err := save(paths.serverCert, paths.serverKey, server); err != nil {
		return err
	}

	log.Info().
		Str("path_cert", paths.serverCert).
		Str("common_name", server.Certificate.Subject.CommonName).
		Time("not_after", server.Certificate.NotAfter).
		Msg("Generated server certificate")

	client, err := pki.IssueClientCertificate(signer, cmd.ClientName, cmd.Validity)
	if err != nil {
		return fmt.Errorf("failed to issue client certificate: %w", err)
	}
	if err := save(paths.clientCert, paths.clientKey, client); err != nil {
		return err
	}

	log.Info().
		Str("path_cert", paths.clientCert).
		Str("common_name", client.Certificate.Subject.CommonName).
		Time("not_after", client.Certificate.NotAfter).
		Msg("Generated client certificate")

	cmd.printSummary(paths, caCert)

	return nil
}

// ensureCA reuses the CA in the output directory unless it is missing, about
// to expire or --force is set.
func (cmd *BootstrapCmd) ensureCA(log zerolog.Logger, paths certificatePaths) (*pki.LocalSigner, error) {
	chain, err := pki.LoadCertificateChain(paths.caCert)
	switch {
	case cmd.Force:
		log.Info().Msg("Force flag set, regenerating CA certificate...")
	case errors.Is(err, fs.ErrNotExist) || !fileExists(paths.caKey):
		log.Info().Msg("Generating new CA certificate...")
	case err != nil:
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	case time.Until(chain[0].NotAfter) < cmd.RotateWithin:
		log.Warn().
			Time("not_after", chain[0].NotAfter).
			Msg("CA certificate expired or approaching expiry, regenerating...")
	default:
		log.Info().
			Time("not_after", chain[0].NotAfter).
			Msg("CA certificate is valid, using existing...")
		return pki.NewFileSigner(paths.caKey, paths.caCert)
	}

	signer, err := pki.NewCA("authserver development CA", cmd.CAValidity)
	if err != nil {
		return nil, err
	}

	caCert, err := signer.GetCACertificate()
	if err != nil {
		return nil, err
	}

	if err := pki.WriteCertificates(paths.caCert, caCert); err != nil {
		return nil, fmt.Errorf("failed to save CA certificate: %w", err)
	}
	if err := pki.WritePrivateKey(paths.caKey, signer.PrivateKey()); err != nil {
		return nil, fmt.Errorf("failed to save CA key: %w", err)
	}

	log.Info().
		Str("path_cert", paths.caCert).
		Str("path_key", paths.caKey).
		Msg("Generated and saved CA certificate")

	return signer, nil
}

func (cmd *BootstrapCmd) certificatePaths() certificatePaths {
	return certificatePaths{
		caCert:     filepath.Join(cmd.OutputDir, "ca-cert.pem"),
		caKey:      filepath.Join(cmd.OutputDir, "ca-key.pem"),
		serverCert: filepath.Join(cmd.OutputDir, "server-cert.pem"),
		serverKey:  filepath.Join(cmd.OutputDir, "server-key.pem"),
		clientCert: filepath.Join(cmd.OutputDir, "client-cert.pem"),
		clientKey:  filepath.Join(cmd.OutputDir, "client-key.pem"),
	}
}

func (cmd *BootstrapCmd) printSummary(paths certificatePaths, caCert *x509.Certificate) {
	fmt.Println()
	fmt.Println("PKI bootstrap complete")
	fmt.Println()
	fmt.Printf("  CA:     %s (expires %s)\n", paths.caCert, caCert.NotAfter.Format(time.DateOnly))
	fmt.Printf("  Server: %s, %s\n", paths.serverCert, paths.serverKey)
	fmt.Printf("  Client: %s, %s\n", paths.clientCert, paths.clientKey)
	fmt.Println()
	fmt.Println("Start the server with client certificate verification:")
	fmt.Println()
	fmt.Printf("  authserver serve -p 8443 -c %s -k %s -i %s\n", paths.serverCert, paths.serverKey, paths.caCert)
	fmt.Println()
}

func save(certPath, keyPath string, issued *pki.Issued) error {
	if err := pki.WriteCertificates(certPath, issued.Certificate); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := pki.WritePrivateKey(keyPath, issued.PrivateKey); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
