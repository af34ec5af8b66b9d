package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type replayerMetrics struct {
	flushed        metric.Int64Counter
	failed         metric.Int64Counter
	retried        metric.Int64Counter
	replayDuration metric.Float64Histogram
}

func newReplayerMetrics(provider metric.MeterProvider) (replayerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("outbox.replayer")

	var (
		m   replayerMetrics
		err error
	)
	m.flushed, err = meter.Int64Counter(
		"outbox.operations.flushed",
		metric.WithDescription("Queued operations delivered and removed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return replayerMetrics{}, fmt.Errorf("create outbox.operations.flushed counter: %w", err)
	}
	m.failed, err = meter.Int64Counter(
		"outbox.operations.failed",
		metric.WithDescription("Queued operations that reached a terminal failure"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return replayerMetrics{}, fmt.Errorf("create outbox.operations.failed counter: %w", err)
	}
	m.retried, err = meter.Int64Counter(
		"outbox.operations.retried",
		metric.WithDescription("Delivery attempts that failed and were rescheduled"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return replayerMetrics{}, fmt.Errorf("create outbox.operations.retried counter: %w", err)
	}
	m.replayDuration, err = meter.Float64Histogram(
		"outbox.replay.duration",
		metric.WithDescription("Time taken per replay run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return replayerMetrics{}, fmt.Errorf("create outbox.replay.duration histogram: %w", err)
	}
	return m, nil
}
