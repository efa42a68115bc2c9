package authn

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfeidau/authserver/internal/pki"
)

// APIVersion is the only supported value of the api-version query parameter.
const APIVersion = "0.5.0"

// MQTT v5 CONNACK reason codes used in deny responses.
const (
	ReasonBadUserNameOrPassword uint8 = 134
	ReasonNotAuthorized         uint8 = 135
)

var (
	ErrMissingType    = errors.New("missing field `type`")
	ErrUnknownType    = errors.New("unknown request type")
	ErrInvalidCertPEM = errors.New("invalid certs: expected pem-encoded cert")
)

// ConnectRequest carries the data from an MQTT CONNECT packet.
type ConnectRequest struct {
	Username *string
	Password *string

	// Certs is the client certificate chain presented to the broker, leaf first.
	Certs []*x509.Certificate
}

// HasCredentials reports whether a username or password was supplied.
func (r *ConnectRequest) HasCredentials() bool {
	return r.Username != nil || r.Password != nil
}

// Leaf returns the client certificate, or nil when none was presented.
func (r *ConnectRequest) Leaf() *x509.Certificate {
	if len(r.Certs) == 0 {
		return nil
	}
	return r.Certs[0]
}

type wireRequest struct {
	Type     *string `json:"type"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	Certs    *string `json:"certs"`
}

// ParseRequest decodes a client authentication request body. The type tag
// accepts "Connect" and "connect".
func ParseRequest(body []byte) (*ConnectRequest, error) {
	var wire wireRequest

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&wire); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing characters after request")
	}

	if wire.Type == nil {
		return nil, ErrMissingType
	}

	switch *wire.Type {
	case "Connect", "connect":
	default:
		return nil, fmt.Errorf("%w %q, expected `Connect`", ErrUnknownType, *wire.Type)
	}

	req := &ConnectRequest{
		Username: wire.Username,
		Password: wire.Password,
	}

	if wire.Certs != nil {
		certs, err := pki.ParseCertificateChain([]byte(*wire.Certs))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCertPEM, err)
		}
		req.Certs = certs
	}

	return req, nil
}

// Decision is the outcome of authenticating a client.
type Decision struct {
	Allowed bool

	// Attributes are granted to an allowed client.
	Attributes map[string]string

	// Expiry is when the client's credentials expire and the broker
	// disconnects it. Nil keeps the client connected indefinitely.
	Expiry *time.Time

	// Reason is the CONNACK reason code for a denied client.
	Reason uint8
}

// Allow grants the connection with the given authorization attributes.
func Allow(attributes map[string]string) Decision {
	if attributes == nil {
		attributes = map[string]string{}
	}
	return Decision{Allowed: true, Attributes: attributes}
}

// AllowUntil grants the connection until expiry.
func AllowUntil(attributes map[string]string, expiry time.Time) Decision {
	d := Allow(attributes)
	d.Expiry = &expiry
	return d
}

// Deny refuses the connection with the given CONNACK reason code.
func Deny(reason uint8) Decision {
	return Decision{Reason: reason}
}

// String is the decision label used in logs and metrics.
func (d Decision) String() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

func subjects(certs []*x509.Certificate) string {
	names := make([]string, 0, len(certs))
	for _, c := range certs {
		names = append(names, c.Subject.String())
	}
	return strings.Join(names, "; ")
}
