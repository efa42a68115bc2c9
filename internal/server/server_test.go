package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/authserver/internal/acceptor"
	"github.com/wolfeidau/authserver/internal/authn"
	httpmiddleware "github.com/wolfeidau/authserver/internal/http"
	"github.com/wolfeidau/authserver/internal/pki"
)

type fixture struct {
	acceptor *acceptor.Acceptor
	client   *http.Client
	url      string
	caCert   *x509.Certificate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ca, err := pki.NewCA("Server Test CA", time.Hour)
	require.NoError(t, err)
	caCert, err := ca.GetCACertificate()
	require.NoError(t, err)

	server, err := pki.IssueServerCertificate(ca, []string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	broker, err := pki.IssueClientCertificate(ca, "mqtt-broker", time.Hour)
	require.NoError(t, err)

	a, err := acceptor.New(acceptor.ListenerConfig{
		Addr:         "127.0.0.1:0",
		CertChain:    []*x509.Certificate{server.Certificate},
		PrivateKey:   server.PrivateKey,
		TrustAnchors: []*x509.Certificate{caCert},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:      roots,
			Certificates: []tls.Certificate{broker.TLSCertificate()},
			MinVersion:   tls.VersionTLS12,
		},
	}
	t.Cleanup(transport.CloseIdleConnections)

	return &fixture{
		acceptor: a,
		client:   &http.Client{Transport: transport, Timeout: 5 * time.Second},
		url:      "https://" + a.Addr().String() + "/?api-version=" + authn.APIVersion,
		caCert:   caCert,
	}
}

func run(t *testing.T, s *Server) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)

	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func post(t *testing.T, f *fixture, body string) (int, string) {
	t.Helper()

	res, err := f.client.Post(f.url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	return res.StatusCode, string(data)
}

func TestServer_authenticatesOverMutualTLS(t *testing.T) {
	f := newFixture(t)

	policy, err := authn.ParsePolicy([]byte(`
certificates:
  - common_name: sensor-01
    attributes:
      group: sensors
`))
	require.NoError(t, err)

	handler := authn.NewHandler(authn.NewPolicyAuthenticator(zerolog.Nop(), policy))
	cancel, done := run(t, New(f.acceptor, handler, WithTracing(true)))

	deviceCA, err := pki.NewCA("Device CA", time.Hour)
	require.NoError(t, err)
	sensor, err := pki.IssueClientCertificate(deviceCA, "sensor-01", time.Hour)
	require.NoError(t, err)
	certs, err := json.Marshal(string(pki.EncodeCertificates(sensor.Certificate)))
	require.NoError(t, err)

	status, body := post(t, f, `{"type":"connect","certs":`+string(certs)+`}`)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"attributes":{"group":"sensors"}}`, body)

	status, body = post(t, f, `{"type":"connect","username":"nobody"}`)
	require.Equal(t, http.StatusForbidden, status)
	require.JSONEq(t, `{"reason":135}`, body)

	status, body = post(t, f, `{"type":"auth"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body, "invalid client request body")

	res, err := f.client.Get(f.url)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	require.Equal(t, 1, res.ProtoMajor)

	cancel()
	require.NoError(t, wait(t, done))

	_, err = f.acceptor.Accept()
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestServer_exposesVerifiedPeer(t *testing.T) {
	f := newFixture(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, httpmiddleware.PeerCommonName(r))
	})
	cancel, done := run(t, New(f.acceptor, handler))

	status, body := post(t, f, `{}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "mqtt-broker", body)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestServer_stopsWhenListenerCloses(t *testing.T) {
	f := newFixture(t)

	_, done := run(t, New(f.acceptor, http.NotFoundHandler()))

	status, _ := post(t, f, `{}`)
	require.Equal(t, http.StatusNotFound, status)

	require.NoError(t, f.acceptor.Close())
	require.ErrorIs(t, wait(t, done), net.ErrClosed)
}
