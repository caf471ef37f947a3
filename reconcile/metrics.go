// CLAUDE:SUMMARY OpenTelemetry counters for reconciler events, refreshes, reloads and drains.
package reconcile

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("domirror.reconcile")

var (
	eventsApplied  metric.Int64Counter
	refreshTotal   metric.Int64Counter
	reloadTotal    metric.Int64Counter
	drainedPerTick metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments once. Without a configured provider
// the global no-op meter is used.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		eventsApplied, err = meter.Int64Counter(
			"domirror_reconcile_events_total",
			metric.WithDescription("Mutation events applied to the mirror"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		refreshTotal, err = meter.Int64Counter(
			"domirror_reconcile_refresh_total",
			metric.WithDescription("Refresh requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reloadTotal, err = meter.Int64Counter(
			"domirror_reconcile_reload_total",
			metric.WithDescription("Full reloads by cause"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		drainedPerTick, err = meter.Int64Histogram(
			"domirror_reconcile_drained_events",
			metric.WithDescription("Events applied per queue tick"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordEvent(ctx context.Context, method string) {
	if initMetrics() != nil {
		return
	}
	eventsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("event", method)))
}

func recordRefresh(ctx context.Context, outcome string) {
	if initMetrics() != nil {
		return
	}
	refreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordReload(ctx context.Context, cause string) {
	if initMetrics() != nil {
		return
	}
	reloadTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func recordDrain(ctx context.Context, n int) {
	if initMetrics() != nil {
		return
	}
	drainedPerTick.Record(ctx, int64(n))
}
