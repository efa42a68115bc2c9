package http

import (
	"net"
	"net/http"
	"net/http/httputil"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
)

// ClientAddr returns the host part of the request's remote address.
// Forwarding headers are ignored, the web hook is called directly by the broker.
func ClientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PeerCommonName returns the subject common name of the verified client
// certificate, or an empty string when the client did not present one.
func PeerCommonName(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return ""
	}
	return r.TLS.VerifiedChains[0][0].Subject.CommonName
}

// RequestLogger logs one line per request with its outcome. The request
// scoped logger is stored in the context for zerolog.Ctx. At debug level the
// request line and headers are dumped before it is handled. The body is never
// dumped since it carries client passwords.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctxLog := log.With().Str("remote_addr", ClientAddr(r))
			if cn := PeerCommonName(r); cn != "" {
				ctxLog = ctxLog.Str("peer_cn", cn)
			}
			reqLog := ctxLog.Logger()

			if evt := reqLog.Debug(); evt.Enabled() {
				dump, err := httputil.DumpRequest(r, false)
				if err != nil {
					evt.Err(err).Msg("Failed to dump request")
				} else {
					evt.Str("request", string(dump)).Msg("Received request")
				}
			}

			m := httpsnoop.CaptureMetrics(next, w, r.WithContext(reqLog.WithContext(r.Context())))

			reqLog.Info().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("proto", r.Proto).
				Int("status", m.Code).
				Int64("bytes", m.Written).
				Dur("duration", m.Duration).
				Msg("Handled request")
		})
	}
}
