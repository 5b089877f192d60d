// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of the engine instruments.
const MeterName = "suiteplane"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// DefaultGaugeTimeout bounds the read behind a gauge on each collection.
const DefaultGaugeTimeout = 2 * time.Second

// RegisterGauge registers an int64 gauge on the global meter provider whose
// value comes from read at collection time. A read that fails or outlives
// timeout is logged and skipped, and the rest of the collection proceeds.
func RegisterGauge(name, description string, timeout time.Duration, log *slog.Logger, read func(context.Context) (int64, error)) error {
	if timeout <= 0 {
		timeout = DefaultGaugeTimeout
	}
	_, err := otel.Meter(MeterName).Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := read(ctx)
			if err != nil {
				log.Warn("failed to read gauge", "gauge", name, "error", err)
				return nil // Don't fail the scrape on a store error
			}
			obs.Observe(v)
			return nil
		}),
	)
	return err
}

// Instruments are the engine counters and histograms. The zero value is not
// usable; build one with NewInstruments.
type Instruments struct {
	jobsClaimed        metric.Int64Counter
	jobsCompleted      metric.Int64Counter
	retries            metric.Int64Counter
	abandons           metric.Int64Counter
	conflicts          metric.Int64Counter
	executionsStarted  metric.Int64Counter
	executionsFinished metric.Int64Counter
	jobDuration        metric.Float64Histogram
}

// NewInstruments registers the engine instruments on the global meter
// provider. Call it after InitMetrics; before that the instruments are no-ops.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(MeterName)
	in := &Instruments{}
	var err error

	if in.jobsClaimed, err = meter.Int64Counter("suiteplane_jobs_claimed",
		metric.WithDescription("Jobs leased by workers")); err != nil {
		return nil, err
	}
	if in.jobsCompleted, err = meter.Int64Counter("suiteplane_jobs_completed",
		metric.WithDescription("Job attempts that reported an outcome")); err != nil {
		return nil, err
	}
	if in.retries, err = meter.Int64Counter("suiteplane_jobs_retried",
		metric.WithDescription("Retry attempts scheduled")); err != nil {
		return nil, err
	}
	if in.abandons, err = meter.Int64Counter("suiteplane_jobs_abandoned",
		metric.WithDescription("Jobs closed without success")); err != nil {
		return nil, err
	}
	if in.conflicts, err = meter.Int64Counter("suiteplane_store_conflicts",
		metric.WithDescription("Conditional store transitions that lost")); err != nil {
		return nil, err
	}
	if in.executionsStarted, err = meter.Int64Counter("suiteplane_executions_started",
		metric.WithDescription("Executions created")); err != nil {
		return nil, err
	}
	if in.executionsFinished, err = meter.Int64Counter("suiteplane_executions_finished",
		metric.WithDescription("Executions that reached a terminal status")); err != nil {
		return nil, err
	}
	if in.jobDuration, err = meter.Float64Histogram("suiteplane_job_duration",
		metric.WithDescription("Wall time of one test-case attempt"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return in, nil
}

// MustInstruments is NewInstruments for callers that cannot handle the error,
// such as tests. The global no-op provider never fails.
func MustInstruments() *Instruments {
	in, err := NewInstruments()
	if err != nil {
		panic(err)
	}
	return in
}

func (in *Instruments) JobClaimed(ctx context.Context, via string) {
	if in == nil {
		return
	}
	in.jobsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("via", via)))
}

func (in *Instruments) JobCompleted(ctx context.Context, outcome string, seconds float64) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	in.jobsCompleted.Add(ctx, 1, attrs)
	in.jobDuration.Record(ctx, seconds, attrs)
}

func (in *Instruments) Retried(ctx context.Context) {
	if in == nil {
		return
	}
	in.retries.Add(ctx, 1)
}

func (in *Instruments) Abandoned(ctx context.Context, kind string) {
	if in == nil {
		return
	}
	in.abandons.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (in *Instruments) Conflict(ctx context.Context, op string) {
	if in == nil {
		return
	}
	in.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in *Instruments) ExecutionStarted(ctx context.Context) {
	if in == nil {
		return
	}
	in.executionsStarted.Add(ctx, 1)
}

func (in *Instruments) ExecutionFinished(ctx context.Context, status string) {
	if in == nil {
		return
	}
	in.executionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
