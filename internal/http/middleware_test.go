package http

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{
			name:       "IPv4 with port",
			remoteAddr: "192.168.1.1:54321",
			expected:   "192.168.1.1",
		},
		{
			name:       "IPv6 with port",
			remoteAddr: "[2001:db8::1]:54321",
			expected:   "2001:db8::1",
		},
		{
			name:       "no port",
			remoteAddr: "192.168.1.1",
			expected:   "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			r.Header.Set("X-Forwarded-For", "203.0.113.1")

			require.Equal(t, tt.expected, ClientAddr(r))
		})
	}
}

func TestPeerCommonName(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "sensor-01"}}

	tests := []struct {
		name     string
		state    *tls.ConnectionState
		expected string
	}{
		{name: "plaintext", state: nil, expected: ""},
		{name: "no client certificate", state: &tls.ConnectionState{}, expected: ""},
		{
			name:     "unverified certificate",
			state:    &tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}},
			expected: "",
		},
		{
			name:     "verified certificate",
			state:    &tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}, VerifiedChains: [][]*x509.Certificate{{leaf}}},
			expected: "sensor-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.TLS = tt.state

			require.Equal(t, tt.expected, PeerCommonName(r))
		})
	}
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var lines []map[string]any
	scanner := bufio.NewScanner(buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())

	return lines
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)

	var ctxLogged bool
	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogged = zerolog.Ctx(r.Context()).GetLevel() == zerolog.InfoLevel
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":135}`))
	}))

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"type":"connect"}`))
	r.RemoteAddr = "10.0.0.7:40000"
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "broker"}}
	r.TLS = &tls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{leaf}}}
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.True(t, ctxLogged)

	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	require.Equal(t, "Handled request", lines[0]["message"])
	require.Equal(t, "POST", lines[0]["method"])
	require.Equal(t, "/", lines[0]["uri"])
	require.Equal(t, "10.0.0.7", lines[0]["remote_addr"])
	require.Equal(t, "broker", lines[0]["peer_cn"])
	require.InDelta(t, 403, lines[0]["status"], 0)
	require.InDelta(t, 14, lines[0]["bytes"], 0)
}

func TestRequestLogger_debugDumpsHeadersOnly(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	var body string
	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body = string(data)
	}))

	payload := `{"type":"connect","username":"sensor","password":"hunter2"}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
	r.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.Equal(t, payload, body)

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	require.Equal(t, "Received request", lines[0]["message"])
	require.Contains(t, lines[0]["request"], "POST / HTTP/1.1")
	require.Contains(t, lines[0]["request"], "Content-Type: application/json")
	require.NotContains(t, lines[0]["request"], "hunter2")
	require.NotContains(t, lines[0], "peer_cn")

	require.Equal(t, "Handled request", lines[1]["message"])
	require.InDelta(t, 200, lines[1]["status"], 0)
}
