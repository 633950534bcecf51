package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the instrument set for the interception pipeline.
type Metrics struct {
	chunksForwarded  metric.Int64Counter
	chunksReplaced   metric.Int64Counter
	chunkLatency     metric.Float64Histogram
	policyErrors     metric.Int64Counter
	eventsPublished  metric.Int64Counter
	queueDepth       metric.Int64Gauge
	hookLatency      metric.Float64Histogram
	passthroughTotal metric.Int64Counter
}

// MeterSetup owns the meter provider lifecycle.
type MeterSetup struct {
	provider *sdkmetric.MeterProvider
	metrics  *Metrics
}

// NewMeterSetup builds a stdout-exporting meter provider and the pipeline
// instrument set. Returns (nil, nil) when disabled.
func NewMeterSetup(enabled bool, interval time.Duration) (*MeterSetup, error) {
	if !enabled {
		return nil, nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	metrics, err := NewMetrics(provider.Meter("luthien-proxy"))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return &MeterSetup{provider: provider, metrics: metrics}, nil
}

// Metrics returns the instrument set, nil when the setup is nil.
func (ms *MeterSetup) Metrics() *Metrics {
	if ms == nil {
		return nil
	}
	return ms.metrics
}

// Shutdown flushes and stops the provider.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms == nil || ms.provider == nil {
		return nil
	}
	return ms.provider.Shutdown(ctx)
}

// NewMetrics registers the instrument set on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.chunksForwarded, err = meter.Int64Counter(
		"proxy.stream.chunks_forwarded",
		metric.WithDescription("Chunks forwarded to clients"),
		metric.WithUnit("{chunk}"),
	); err != nil {
		return nil, err
	}
	if m.chunksReplaced, err = meter.Int64Counter(
		"proxy.stream.chunks_replaced",
		metric.WithDescription("Chunks rewritten by a policy"),
		metric.WithUnit("{chunk}"),
	); err != nil {
		return nil, err
	}
	if m.chunkLatency, err = meter.Float64Histogram(
		"proxy.stream.chunk_latency",
		metric.WithDescription("Per-chunk control plane round trip"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.policyErrors, err = meter.Int64Counter(
		"controlplane.policy.errors",
		metric.WithDescription("Policy handler failures"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.eventsPublished, err = meter.Int64Counter(
		"controlplane.events.published",
		metric.WithDescription("Conversation events published"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge(
		"controlplane.queue.depth",
		metric.WithDescription("Task queue backlog"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.hookLatency, err = meter.Float64Histogram(
		"controlplane.hook.latency",
		metric.WithDescription("Hook handler duration"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.passthroughTotal, err = meter.Int64Counter(
		"proxy.stream.passthrough",
		metric.WithDescription("Streams degraded to passthrough"),
		metric.WithUnit("{stream}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Nil-safe recording helpers. A nil *Metrics disables instrumentation.

func (m *Metrics) ChunkForwarded(ctx context.Context, replaced bool) {
	if m == nil {
		return
	}
	m.chunksForwarded.Add(ctx, 1)
	if replaced {
		m.chunksReplaced.Add(ctx, 1)
	}
}

func (m *Metrics) ChunkLatency(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.chunkLatency.Record(ctx, float64(d.Milliseconds()))
}

func (m *Metrics) PolicyError(ctx context.Context, hook string) {
	if m == nil {
		return
	}
	m.policyErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", hook)))
}

func (m *Metrics) EventPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) QueueDepth(ctx context.Context, queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) HookLatency(ctx context.Context, hook string, d time.Duration) {
	if m == nil {
		return
	}
	m.hookLatency.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("hook", hook)))
}

func (m *Metrics) Passthrough(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.passthroughTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
