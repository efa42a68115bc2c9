package authn

import (
	"context"

	"github.com/rs/zerolog"
)

// Authenticator decides whether an MQTT client may connect.
type Authenticator interface {
	Authenticate(ctx context.Context, req *ConnectRequest) (Decision, error)
}

// AllowAll admits every client without attributes, logging what it was given.
type AllowAll struct {
	log zerolog.Logger
}

func NewAllowAll(log zerolog.Logger) *AllowAll {
	return &AllowAll{log: log}
}

func (a *AllowAll) Authenticate(ctx context.Context, req *ConnectRequest) (Decision, error) {
	evt := a.log.Info().
		Bool("username_present", req.Username != nil).
		Bool("password_present", req.Password != nil).
		Int("certs", len(req.Certs))

	if req.Username != nil {
		evt = evt.Str("username", *req.Username)
	}
	if len(req.Certs) > 0 {
		evt = evt.Str("cert_subjects", subjects(req.Certs))
	}

	evt.Msg("Got MQTT CONNECT, allowing client")

	return Allow(nil), nil
}
