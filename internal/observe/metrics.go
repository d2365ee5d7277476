// Package observe provides application-wide observability primitives for
// voicebridge: OpenTelemetry metrics and HTTP middleware that records and
// logs request completions.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicebridge metrics.
const meterName = "github.com/simverse/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// GatewayRequestDuration tracks gateway request round-trip latency,
	// including the wait for a deferred event on ack'd requests. Use with
	// attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	GatewayRequestDuration metric.Float64Histogram

	// GatewayRequests counts gateway requests. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	GatewayRequests metric.Int64Counter

	// PollEvents counts messages received on the gateway's event channel.
	// Use with attribute: attribute.String("kind", ...)
	PollEvents metric.Int64Counter

	// ProvisionFailures counts failed voice provisioning requests. Use with
	// attribute: attribute.String("reason", ...)
	ProvisionFailures metric.Int64Counter

	// ActiveViewerSessions tracks the number of live viewer sessions.
	ActiveViewerSessions metric.Int64UpDownCounter

	// ActiveRooms tracks the number of rooms known to the registry. Rooms
	// are never garbage collected, so this only grows within a process.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveAttendees tracks room membership across all rooms.
	ActiveAttendees metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// gateway round trips, which include up to a long-poll cycle of wait.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GatewayRequestDuration, err = m.Float64Histogram("voicebridge.gateway.request.duration",
		metric.WithDescription("Latency of gateway requests including deferred event completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayRequests, err = m.Int64Counter("voicebridge.gateway.requests",
		metric.WithDescription("Total gateway requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.PollEvents, err = m.Int64Counter("voicebridge.gateway.poll_events",
		metric.WithDescription("Total messages received on the gateway event channel by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProvisionFailures, err = m.Int64Counter("voicebridge.provision.failures",
		metric.WithDescription("Total failed voice provisioning requests by reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveViewerSessions, err = m.Int64UpDownCounter("voicebridge.active_viewer_sessions",
		metric.WithDescription("Number of live viewer sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64UpDownCounter("voicebridge.active_rooms",
		metric.WithDescription("Number of rooms known to the room registry."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAttendees, err = m.Int64UpDownCounter("voicebridge.active_attendees",
		metric.WithDescription("Number of attendees across all rooms."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
