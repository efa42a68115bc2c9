package telemetry

import (
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/authserver"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Acceptor metrics
	ConnectionsAcceptedTotal metric.Int64Counter
	AcceptErrorsTotal        metric.Int64Counter

	// Handshake metrics
	HandshakesCompletedTotal metric.Int64Counter
	HandshakesFailedTotal    metric.Int64Counter
	HandshakesInFlight       metric.Int64UpDownCounter
	HandshakeDuration        metric.Float64Histogram

	// Authentication web hook metrics
	AuthRequestsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance bound to the global meter
// provider, initializing it if necessary. Until InitTelemetry installs a provider
// the instruments are no-ops.
func GetMetrics() *Metrics {
	once.Do(func() {
		// instrument creation only fails on invalid names, which are constants here
		metrics, _ = NewMetrics(otel.GetMeterProvider().Meter(meterName))
	})
	return metrics
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err, errs error

	m.ConnectionsAcceptedTotal, err = meter.Int64Counter(
		"authserver.connections.accepted.total",
		metric.WithDescription("Total number of raw connections accepted from the listening socket"),
		metric.WithUnit("{connection}"),
	)
	errs = errors.Join(errs, err)

	m.AcceptErrorsTotal, err = meter.Int64Counter(
		"authserver.accept.errors.total",
		metric.WithDescription("Total number of transient accept failures"),
		metric.WithUnit("{error}"),
	)
	errs = errors.Join(errs, err)

	m.HandshakesCompletedTotal, err = meter.Int64Counter(
		"authserver.handshakes.completed.total",
		metric.WithDescription("Total number of TLS handshakes that completed and were handed to the server"),
		metric.WithUnit("{handshake}"),
	)
	errs = errors.Join(errs, err)

	m.HandshakesFailedTotal, err = meter.Int64Counter(
		"authserver.handshakes.failed.total",
		metric.WithDescription("Total number of TLS handshakes that failed or were abandoned"),
		metric.WithUnit("{handshake}"),
	)
	errs = errors.Join(errs, err)

	m.HandshakesInFlight, err = meter.Int64UpDownCounter(
		"authserver.handshakes.in_flight",
		metric.WithDescription("Number of TLS handshakes currently in progress"),
		metric.WithUnit("{handshake}"),
	)
	errs = errors.Join(errs, err)

	m.HandshakeDuration, err = meter.Float64Histogram(
		"authserver.handshakes.duration",
		metric.WithDescription("Duration of TLS server handshakes"),
		metric.WithUnit("ms"),
	)
	errs = errors.Join(errs, err)

	m.AuthRequestsTotal, err = meter.Int64Counter(
		"authserver.auth.requests.total",
		metric.WithDescription("Total number of authentication requests by decision"),
		metric.WithUnit("{request}"),
	)
	errs = errors.Join(errs, err)

	if errs != nil {
		return nil, errs
	}

	return m, nil
}
