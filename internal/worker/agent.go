// Package worker contains the agent that claims jobs and runs test cases.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"suiteplane/internal/logger"
	"suiteplane/internal/observability"
	"suiteplane/internal/queue"
	"suiteplane/internal/store"
)

var errLeaseLost = errors.New("lease lost")

// AgentConfig holds worker configuration.
type AgentConfig struct {
	ID          string
	Concurrency int
	// PollInterval is how long a slot waits on the transport, and the idle
	// backoff it starts from.
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
}

// OutcomeHandler is told about every outcome the agent records, so an
// in-process coordinator can decide retries without waiting for a sweep.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, job *store.Job) error
}

// Option configures an Agent.
type Option func(*Agent)

// WithOutcomeHandler sets the handler notified after each recorded outcome.
func WithOutcomeHandler(h OutcomeHandler) Option {
	return func(a *Agent) { a.handler = h }
}

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithInstruments sets the metrics the agent reports to.
func WithInstruments(in *observability.Instruments) Option {
	return func(a *Agent) { a.metrics = in }
}

// Agent runs Concurrency slots, each claiming and running one job at a time.
type Agent struct {
	store     store.JobStore
	transport queue.Transport
	runner    TestRunner
	handler   OutcomeHandler
	config    AgentConfig
	logger    *slog.Logger
	metrics   *observability.Instruments
	done      chan struct{}
}

// New creates a new Agent.
func New(js store.JobStore, transport queue.Transport, runner TestRunner, config AgentConfig, opts ...Option) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 5 * time.Minute
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.LeaseDuration {
		config.HeartbeatInterval = config.LeaseDuration / 3
	}
	if config.ID == "" {
		config.ID = "worker"
	}

	a := &Agent{
		store:     js,
		transport: transport,
		runner:    runner,
		config:    config,
		logger:    logger.Discard(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("worker_id", config.ID)
	return a
}

// Run starts the slots and blocks until ctx is cancelled. Slots stop taking
// work on cancellation and finish the job they hold.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "concurrency", a.config.Concurrency)

	p := pool.New().WithMaxGoroutines(a.config.Concurrency)
	for i := 0; i < a.config.Concurrency; i++ {
		slot := i
		p.Go(func() { a.runSlot(ctx, slot) })
	}
	p.Wait()

	a.logger.Info("agent stopped")
	close(a.done)
	return ctx.Err()
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// runSlot is one worker: it holds at most one lease, under its own worker id.
func (a *Agent) runSlot(ctx context.Context, slot int) {
	workerID := fmt.Sprintf("%s-%d", a.config.ID, slot)
	log := a.logger.With("slot", slot)
	backoff := a.config.PollInterval

	for ctx.Err() == nil {
		job, headers, idle := a.next(ctx, workerID, log)
		if job == nil {
			if !idle {
				continue
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > a.config.MaxBackoff {
				backoff = a.config.MaxBackoff
			}
			continue
		}

		backoff = a.config.PollInterval
		a.processJob(ctx, workerID, job, headers)
	}
}

// next returns a claimed job. idle is true when neither the transport nor the
// store had anything to offer.
func (a *Agent) next(ctx context.Context, workerID string, log *slog.Logger) (*store.Job, map[string]string, bool) {
	d, err := a.transport.Receive(ctx, a.config.PollInterval)
	switch {
	case err == nil:
		job := a.claimDelivered(ctx, workerID, d, log)
		if job == nil {
			return nil, nil, false
		}
		return job, d.Message.Trace, false
	case errors.Is(err, queue.ErrNoMessage):
	case ctx.Err() != nil:
		return nil, nil, false
	default:
		log.Warn("receive failed", "error", err)
	}

	job, err := a.store.ClaimNextJob(ctx, workerID, a.config.LeaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("claim next job failed", "error", err)
		}
		return nil, nil, true
	}
	if job == nil {
		return nil, nil, true
	}
	a.metrics.JobClaimed(ctx, "poll")
	return job, nil, false
}

func (a *Agent) claimDelivered(ctx context.Context, workerID string, d *queue.Delivery, log *slog.Logger) *store.Job {
	msg := d.Message
	job, err := a.store.ClaimJob(ctx, msg.JobID, workerID, a.config.LeaseDuration)
	switch {
	case err == nil:
		a.ack(ctx, d, log)
		a.metrics.JobClaimed(ctx, "transport")
		return job
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		// Duplicate or stale delivery.
		log.Debug("dropping message", "job_id", msg.JobID, "attempt", msg.Attempt, "error", err)
		a.metrics.Conflict(ctx, "claim")
		a.ack(ctx, d, log)
	default:
		// Left unacked; the transport redelivers it or the store poll finds it.
		log.Warn("claim failed", "job_id", msg.JobID, "error", err)
	}
	return nil
}

func (a *Agent) ack(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.Warn("ack failed", "job_id", d.Message.JobID, "error", err)
	}
}

// processJob runs a claimed job and records its outcome.
func (a *Agent) processJob(ctx context.Context, workerID string, job *store.Job, headers map[string]string) {
	// The job keeps running through shutdown; only the lease or its deadline stop it.
	base := observability.ExtractTrace(context.WithoutCancel(ctx), headers)

	tracer := otel.Tracer("suiteplane-worker")
	spanCtx, span := tracer.Start(base, "run_test_case",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("execution.id", job.ExecutionID.String()),
			attribute.String("test_case.id", job.TestCaseID),
			attribute.Int("job.attempt", job.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log := logger.WithExecution(a.logger, job.ExecutionID).With(
		"worker", workerID, "job_id", job.ID, "test_case_id", job.TestCaseID, "attempt", job.Attempt)
	log.Info("running test case")

	runCtx, cancelRun := context.WithCancelCause(spanCtx)
	defer cancelRun(nil)
	if job.Deadline != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, *job.Deadline)
		defer cancel()
	}

	hbCtx, stopHeartbeat := context.WithCancel(spanCtx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		a.runHeartbeat(hbCtx, workerID, job, log, cancelRun)
	}()

	started := time.Now()
	outcome := a.runner.Run(runCtx, job)
	elapsed := time.Since(started)

	stopHeartbeat()
	hb.Wait()

	if errors.Is(context.Cause(runCtx), errLeaseLost) {
		log.Warn("lease lost while running, dropping outcome")
		span.SetStatus(codes.Error, errLeaseLost.Error())
		return
	}

	label := "succeeded"
	if !outcome.Succeeded {
		label = string(outcome.Kind)
		span.SetStatus(codes.Error, outcome.Error)
	}
	span.SetAttributes(attribute.String("job.outcome", label))
	a.metrics.JobCompleted(spanCtx, label, elapsed.Seconds())

	recorded, err := a.store.RecordOutcome(spanCtx, job.ID, job.Attempt, workerID, outcome)
	switch {
	case err == nil:
		log.Info("outcome recorded", "outcome", label, "duration", elapsed)
		a.notify(spanCtx, recorded, log)
	case store.IsDomainError(err):
		log.Debug("outcome rejected", "error", err)
		a.metrics.Conflict(spanCtx, "record_outcome")
	default:
		span.RecordError(err)
		log.Error("failed to record outcome", "error", err)
		a.abandonUnavailable(spanCtx, job, err, log)
	}
}

// abandonUnavailable closes a job whose outcome could not be stored. If this
// also fails the lease lapses and the sweep takes over.
func (a *Agent) abandonUnavailable(ctx context.Context, job *store.Job, cause error, log *slog.Logger) {
	abandoned, err := a.store.AbandonJob(ctx, job.ID, store.JobStatusRunning, store.FailureStoreUnavailable, cause.Error())
	if err != nil {
		log.Error("failed to abandon job, leaving it to lease expiry", "error", err)
		return
	}
	a.metrics.Abandoned(ctx, string(store.FailureStoreUnavailable))
	a.notify(ctx, abandoned, log)
}

func (a *Agent) notify(ctx context.Context, job *store.Job, log *slog.Logger) {
	if a.handler == nil || job == nil {
		return
	}
	if err := a.handler.HandleOutcome(ctx, job); err != nil {
		log.Warn("outcome handler failed", "error", err)
	}
}

// runHeartbeat renews the lease periodically while a job is running. Losing
// the lease cancels the run.
func (a *Agent) runHeartbeat(ctx context.Context, workerID string, job *store.Job, log *slog.Logger, cancelRun context.CancelCauseFunc) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.store.RenewLease(ctx, job.ID, workerID, a.config.LeaseDuration)
			switch {
			case err == nil:
			case store.IsDomainError(err):
				cancelRun(errLeaseLost)
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
