package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "inventory-sync.outbox.relay"

type relayMetrics struct {
	dispatched        metric.Int64Counter
	released          metric.Int64Counter
	invalidated       metric.Int64Counter
	stateUpdateFailed metric.Int64Counter
	cycleLatency      metric.Float64Histogram
	batchSize         metric.Int64Gauge
}

func newRelayMetrics(provider metric.MeterProvider) (relayMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   relayMetrics
		err error
	)

	m.dispatched, err = meter.Int64Counter(
		"outbox.records.dispatched",
		metric.WithDescription("Outbox records confirmed by the broker"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.records.dispatched counter: %w", err)
	}

	m.released, err = meter.Int64Counter(
		"outbox.records.failed",
		metric.WithDescription("Outbox records released back to pending after a transient publish failure"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.records.failed counter: %w", err)
	}

	m.invalidated, err = meter.Int64Counter(
		"outbox.records.invalidated",
		metric.WithDescription("Outbox records parked as INVALID"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.records.invalidated counter: %w", err)
	}

	m.stateUpdateFailed, err = meter.Int64Counter(
		"outbox.records.state_update_failed",
		metric.WithDescription("Outbox records published but whose status write failed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.records.state_update_failed counter: %w", err)
	}

	m.cycleLatency, err = meter.Float64Histogram(
		"outbox.relay.cycle.duration",
		metric.WithDescription("Time taken per relay cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.cycle.duration histogram: %w", err)
	}

	m.batchSize, err = meter.Int64Gauge(
		"outbox.relay.batch.size",
		metric.WithDescription("Outbox records claimed in the last relay cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return relayMetrics{}, fmt.Errorf("create outbox.relay.batch.size gauge: %w", err)
	}

	return m, nil
}
