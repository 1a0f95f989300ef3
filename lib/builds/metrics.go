package builds

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the build pipeline's instruments.
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
	cacheHits     metric.Int64Counter
}

// NewMetrics creates the build instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"kiln_build_duration_seconds",
		metric.WithDescription("Duration of image builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"kiln_builds_total",
		metric.WithDescription("Total number of image builds"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"kiln_build_deps_cache_hits_total",
		metric.WithDescription("Total number of dependency layer cache hits"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
		cacheHits:     cacheHits,
	}, nil
}

// RecordBuild records a completed build.
func (m *Metrics) RecordBuild(ctx context.Context, status, runtime string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
		attribute.String("runtime", runtime),
	}

	m.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.buildTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheHit records a dependency layer served from cache.
func (m *Metrics) RecordCacheHit(ctx context.Context, runtime string) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("runtime", runtime)))
}
