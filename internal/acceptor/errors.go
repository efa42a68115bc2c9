package acceptor

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the parent of every error that prevents an acceptor from starting.
	ErrConfiguration = errors.New("invalid listener configuration")

	// ErrMissingServerCertificate is returned when the certificate chain is empty.
	ErrMissingServerCertificate = fmt.Errorf("%w: no server certificate provided", ErrConfiguration)

	// ErrKeyMismatch is returned when the private key does not belong to the leaf certificate.
	ErrKeyMismatch = fmt.Errorf("%w: private key does not match server certificate", ErrConfiguration)

	// ErrInvalidTrustStore is returned when client certificate trust anchors are unusable.
	ErrInvalidTrustStore = fmt.Errorf("%w: invalid client certificate trust store", ErrConfiguration)
)
