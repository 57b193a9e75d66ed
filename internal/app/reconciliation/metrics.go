package reconciliation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics records the outcome of reconciliation runs.
type SyncMetrics interface {
	AddFindingsFetched(ctx context.Context, n int)
	IncTicketsCreated(ctx context.Context)
	IncTicketsClosed(ctx context.Context)
	IncTicketsRenamed(ctx context.Context)
	IncRunErrors(ctx context.Context, stage string)
	ObserveRunDuration(ctx context.Context, duration time.Duration, dryRun bool)
}

// Metrics implements SyncMetrics with OpenTelemetry instruments.
type Metrics struct {
	findingsFetched metric.Int64Counter
	ticketsCreated  metric.Int64Counter
	ticketsClosed   metric.Int64Counter
	ticketsRenamed  metric.Int64Counter
	runErrors       metric.Int64Counter
	runDuration     metric.Float64Histogram
}

var _ SyncMetrics = (*Metrics)(nil)

const namespace = "securityhub_sync"

// NewMetrics creates the sync instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.findingsFetched, err = meter.Int64Counter(
		"findings_fetched_total",
		metric.WithDescription("Total number of active findings fetched from the source"),
	); err != nil {
		return nil, err
	}

	if m.ticketsCreated, err = meter.Int64Counter(
		"tickets_created_total",
		metric.WithDescription("Total number of tickets created"),
	); err != nil {
		return nil, err
	}

	if m.ticketsClosed, err = meter.Int64Counter(
		"tickets_closed_total",
		metric.WithDescription("Total number of stale tickets closed"),
	); err != nil {
		return nil, err
	}

	if m.ticketsRenamed, err = meter.Int64Counter(
		"tickets_renamed_total",
		metric.WithDescription("Total number of stale tickets renamed as resolved"),
	); err != nil {
		return nil, err
	}

	if m.runErrors, err = meter.Int64Counter(
		"run_errors_total",
		metric.WithDescription("Total number of errors by run stage"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Duration of a reconciliation run"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) AddFindingsFetched(ctx context.Context, n int) {
	m.findingsFetched.Add(ctx, int64(n))
}

func (m *Metrics) IncTicketsCreated(ctx context.Context) { m.ticketsCreated.Add(ctx, 1) }

func (m *Metrics) IncTicketsClosed(ctx context.Context) { m.ticketsClosed.Add(ctx, 1) }

func (m *Metrics) IncTicketsRenamed(ctx context.Context) { m.ticketsRenamed.Add(ctx, 1) }

func (m *Metrics) IncRunErrors(ctx context.Context, stage string) {
	m.runErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) ObserveRunDuration(ctx context.Context, duration time.Duration, dryRun bool) {
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("dry_run", dryRun)))
}
