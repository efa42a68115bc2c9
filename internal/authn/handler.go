// Package authn implements the MQTT broker's client authentication web hook.
//
// The broker POSTs the contents of each CONNECT packet as JSON to
// "/?api-version=0.5.0". An allowed client gets 200 with
// {"expiry": <RFC 3339>, "attributes": {...}}, expiry omitted when the
// credentials do not expire. A denied client gets 403 with
// {"reason": <CONNACK reason code>}.
package authn

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/authserver/internal/telemetry"
)

const maxBodyBytes = 1 << 20 // 1MiB

type allowResponse struct {
	// Expiry is an RFC 3339 timestamp, omitted when the credentials never expire.
	Expiry     string            `json:"expiry,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

type denyResponse struct {
	Reason uint8 `json:"reason"`
}

type supportedVersionsResponse struct {
	SupportedVersions []string `json:"supportedVersions"`
}

type HandlerOption func(*Handler)

func WithLogger(log zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

func WithMetrics(m *telemetry.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves authentication requests using an Authenticator.
type Handler struct {
	auth    Authenticator
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

func NewHandler(auth Authenticator, opts ...HandlerOption) *Handler {
	h := &Handler{
		auth: auth,
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = telemetry.GetMetrics()
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.error(w, http.StatusMethodNotAllowed, fmt.Sprintf("%s not allowed", r.Method))
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err != nil || mediaType != "application/json" {
			h.error(w, http.StatusBadRequest, fmt.Sprintf("invalid content-type: %s", ct))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.error(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		h.error(w, http.StatusBadRequest, "unable to get body")
		return
	}
	if len(body) == 0 {
		h.error(w, http.StatusBadRequest, "missing body")
		return
	}
	if !utf8.Valid(body) {
		h.error(w, http.StatusBadRequest, "unable to parse body")
		return
	}

	if r.URL.Path != "/" {
		h.error(w, http.StatusNotFound, fmt.Sprintf("%s not found", r.URL.Path))
		return
	}

	versions, ok := r.URL.Query()["api-version"]
	if !ok {
		h.error(w, http.StatusBadRequest, "missing api-version")
		return
	}
	if versions[0] != APIVersion {
		h.log.Debug().Str("api_version", versions[0]).Msg("Unsupported API version")
		h.json(w, http.StatusUnprocessableEntity, supportedVersionsResponse{SupportedVersions: []string{APIVersion}})
		return
	}

	req, err := ParseRequest(body)
	if err != nil {
		h.error(w, http.StatusBadRequest, fmt.Sprintf("invalid client request body: %s", err))
		return
	}

	ctx := r.Context()

	decision, err := h.auth.Authenticate(ctx, req)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to authenticate client")
		h.error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.AuthRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision.String())))

	if decision.Allowed {
		resp := allowResponse{Attributes: decision.Attributes}
		// the broker requires an object even without attributes
		if resp.Attributes == nil {
			resp.Attributes = map[string]string{}
		}
		evt := h.log.Debug().Int("attributes", len(resp.Attributes))
		if decision.Expiry != nil {
			resp.Expiry = decision.Expiry.UTC().Format(time.RFC3339)
			evt = evt.Time("expiry", *decision.Expiry)
		}
		evt.Msg("Client allowed")
		h.json(w, http.StatusOK, resp)
		return
	}

	h.log.Info().Uint8("reason", decision.Reason).Msg("Client denied")
	h.json(w, http.StatusForbidden, denyResponse{Reason: decision.Reason})
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.log.Debug().Int("status", status).Str("message", message).Msg("Rejecting authentication request")
	http.Error(w, message, status)
}

func (h *Handler) json(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode authentication response")
	}
}
