// Package telemetry holds the gateway's OpenTelemetry instruments. A nil *Metrics
// is valid and records nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	ticksDispatched metric.Int64Counter
	ticksDropped    metric.Int64Counter
	writeFailures   metric.Int64Counter
	streamsOpened   metric.Int64Counter
	streamsEnded    metric.Int64Counter
	boxComputations metric.Int64Counter
	boxLatency      metric.Float64Histogram
}

// New registers the instruments on the global meter provider.
func New() *Metrics {
	meter := otel.Meter("boxstream.gateway")
	m := &Metrics{}

	m.ticksDispatched, _ = meter.Int64Counter("boxstream_ticks_dispatched",
		metric.WithDescription("Ticks written to client connections"),
		metric.WithUnit("{tick}"))
	m.ticksDropped, _ = meter.Int64Counter("boxstream_ticks_dropped",
		metric.WithDescription("Ticks not delivered, by reason"),
		metric.WithUnit("{tick}"))
	m.writeFailures, _ = meter.Int64Counter("boxstream_connection_write_failures",
		metric.WithDescription("Client connections dropped after a failed write"),
		metric.WithUnit("{connection}"))
	m.streamsOpened, _ = meter.Int64Counter("boxstream_upstream_streams_opened",
		metric.WithDescription("Upstream price streams opened"),
		metric.WithUnit("{stream}"))
	m.streamsEnded, _ = meter.Int64Counter("boxstream_upstream_streams_ended",
		metric.WithDescription("Upstream price streams that ended without being cancelled"),
		metric.WithUnit("{stream}"))
	m.boxComputations, _ = meter.Int64Counter("boxstream_box_computations",
		metric.WithDescription("Box set computations, by outcome"),
		metric.WithUnit("{computation}"))
	m.boxLatency, _ = meter.Float64Histogram("boxstream_box_computation_latency",
		metric.WithDescription("Candle pull plus box computation time"),
		metric.WithUnit("ms"))
	return m
}

func (m *Metrics) TickDispatched(ctx context.Context, instrument string) {
	if m == nil || m.ticksDispatched == nil {
		return
	}
	m.ticksDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
}

// TickDropped reasons: "heartbeat", "no_connection", "write_failed".
func (m *Metrics) TickDropped(ctx context.Context, reason string) {
	if m == nil || m.ticksDropped == nil {
		return
	}
	m.ticksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) WriteFailure(ctx context.Context) {
	if m == nil || m.writeFailures == nil {
		return
	}
	m.writeFailures.Add(ctx, 1)
}

func (m *Metrics) StreamsOpened(ctx context.Context, n int) {
	if m == nil || m.streamsOpened == nil || n == 0 {
		return
	}
	m.streamsOpened.Add(ctx, int64(n))
}

func (m *Metrics) StreamEnded(ctx context.Context, instrument string) {
	if m == nil || m.streamsEnded == nil {
		return
	}
	m.streamsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
}

func (m *Metrics) BoxComputation(ctx context.Context, profile string, ms float64, err error) {
	if m == nil || m.boxComputations == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("profile", profile), attribute.String("outcome", outcome))
	m.boxComputations.Add(ctx, 1, attrs)
	if m.boxLatency != nil {
		m.boxLatency.Record(ctx, ms, attrs)
	}
}
