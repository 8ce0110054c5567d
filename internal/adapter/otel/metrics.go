package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "gateway"

// Metrics holds the gateway's metric instruments, one counter/histogram per
// subsystem outcome that §8 treats as observable.
type Metrics struct {
	GitSyncDispatched metric.Int64Counter
	GitSyncCompleted  metric.Int64Counter
	GitSyncFailed     metric.Int64Counter
	DCGBlocks         metric.Int64Counter
	DCGWarnings       metric.Int64Counter
	CAAMRotations     metric.Int64Counter
	GitSyncDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments against the global MeterProvider
// (a no-op provider when telemetry is disabled, so callers never branch).
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.GitSyncDispatched, err = meter.Int64Counter("gateway.git_sync.dispatched",
		metric.WithDescription("Number of git-sync operations dispatched"))
	if err != nil {
		return nil, err
	}
	m.GitSyncCompleted, err = meter.Int64Counter("gateway.git_sync.completed",
		metric.WithDescription("Number of git-sync operations completed"))
	if err != nil {
		return nil, err
	}
	m.GitSyncFailed, err = meter.Int64Counter("gateway.git_sync.failed",
		metric.WithDescription("Number of git-sync operations failed terminally"))
	if err != nil {
		return nil, err
	}
	m.DCGBlocks, err = meter.Int64Counter("gateway.dcg.blocks",
		metric.WithDescription("Number of commands blocked by DCG"))
	if err != nil {
		return nil, err
	}
	m.DCGWarnings, err = meter.Int64Counter("gateway.dcg.warnings",
		metric.WithDescription("Number of commands DCG surfaced as warnings"))
	if err != nil {
		return nil, err
	}
	m.CAAMRotations, err = meter.Int64Counter("gateway.caam.rotations",
		metric.WithDescription("Number of successful credential pool rotations"))
	if err != nil {
		return nil, err
	}
	m.GitSyncDuration, err = meter.Float64Histogram("gateway.git_sync.duration_seconds",
		metric.WithDescription("Git-sync dispatch duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
