// Package coordinator turns suite requests into jobs and owns every business
// decision about them: retry or abandon, completion, cancellation, deadlines
// and lease recovery. All shared state lives in the job store; the coordinator
// keeps only a watermark of its last report catch-up, so any number of
// coordinators may handle events concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"suiteplane/internal/logger"
	"suiteplane/internal/observability"
	"suiteplane/internal/queue"
	"suiteplane/internal/report"
	"suiteplane/internal/store"
	"suiteplane/internal/suite"
)

// ReasonCancelled is the cancel reason recorded for user requests.
const ReasonCancelled = "cancelled by request"

const reasonLeaseExpired = "lease expired"

// publishConcurrency bounds parallel publishes when expanding a suite.
const publishConcurrency = 16

// ExpansionError is returned by Start when the suite cannot be resolved.
// No execution is created.
type ExpansionError struct {
	SuiteID string
	Err     error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("failed to expand suite %q: %v", e.SuiteID, e.Err)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// Notifier is told whenever an execution may have changed.
type Notifier interface {
	Notify(ctx context.Context, executionID uuid.UUID)
}

// Archive keeps final reports.
type Archive interface {
	Save(ctx context.Context, r *report.Report) error
	Get(ctx context.Context, executionID uuid.UUID) (*report.Report, error)
}

// StartRequest asks for one run of a suite.
type StartRequest struct {
	SuiteID     string
	Name        string
	Environment string
	Trigger     store.Trigger
	Policy      Policy
}

// Config holds coordinator settings.
type Config struct {
	Defaults      Defaults
	SweepInterval time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithInstruments(in *observability.Instruments) Option {
	return func(c *Coordinator) { c.metrics = in }
}

// WithNotifier adds a listener for execution changes.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifiers = append(c.notifiers, n) }
}

// WithArchive stores the report of every finished execution.
func WithArchive(a Archive) Option { return func(c *Coordinator) { c.archive = a } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithRandSource makes backoff jitter deterministic.
func WithRandSource(src rand.Source) Option {
	return func(c *Coordinator) { c.rng = rand.New(src) }
}

// Coordinator implements the execution engine's inbound operations.
type Coordinator struct {
	store     store.JobStore
	transport queue.Transport
	resolver  suite.Resolver
	config    Config
	logger    *slog.Logger
	metrics   *observability.Instruments
	notifiers []Notifier
	archive   Archive
	now       func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	archiveMu     sync.Mutex
	archivedSince time.Time
}

// New creates a Coordinator.
func New(js store.JobStore, transport queue.Transport, resolver suite.Resolver, config Config, opts ...Option) *Coordinator {
	if config.Defaults == (Defaults{}) {
		config.Defaults = DefaultDefaults
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 15 * time.Second
	}
	c := &Coordinator{
		store:     js,
		transport: transport,
		resolver:  resolver,
		config:    config,
		logger:    logger.Discard(),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start expands a suite into jobs and publishes them. It returns the new
// execution id, or an *ExpansionError when the suite cannot be resolved.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (uuid.UUID, error) {
	ctx, span := otel.Tracer("suiteplane-coordinator").Start(ctx, "start_execution",
		trace.WithAttributes(attribute.String("suite.id", req.SuiteID)))
	defer span.End()

	ids, err := c.resolver.Resolve(ctx, req.SuiteID)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, &ExpansionError{SuiteID: req.SuiteID, Err: err}
	}
	ids = dedupe(ids)

	now := c.now().UTC()
	policy, deadline := req.Policy.resolve(c.config.Defaults, now)
	trigger := req.Trigger
	if trigger == "" {
		trigger = store.TriggerAPI
	}

	exec := &store.Execution{
		ID:          uuid.New(),
		SuiteID:     req.SuiteID,
		Name:        req.Name,
		Environment: req.Environment,
		Trigger:     trigger,
		Status:      store.ExecutionStatusPending,
		Counts:      store.Counts{Total: len(ids), Pending: len(ids)},
		Policy:      policy,
		Deadline:    deadline,
		CreatedAt:   now,
	}
	jobs := make([]*store.Job, len(ids))
	for i, tc := range ids {
		jobs[i] = &store.Job{
			ID:           store.JobID(exec.ID, tc, 1),
			ExecutionID:  exec.ID,
			TestCaseID:   tc,
			Position:     i,
			Attempt:      1,
			Status:       store.JobStatusQueued,
			VisibleAfter: now,
			Deadline:     deadline,
			EnqueuedAt:   now,
		}
	}

	if err := c.store.CreateExecution(ctx, exec, jobs); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create execution: %w", err)
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID.String()), attribute.Int("execution.total", len(ids)))
	c.metrics.ExecutionStarted(ctx)

	log := logger.WithExecution(c.logger, exec.ID)
	log.Info("execution started", "suite_id", req.SuiteID, "test_cases", len(ids))

	if len(jobs) == 0 {
		c.tryFinish(ctx, exec.ID)
	} else {
		c.publishAll(ctx, jobs)
	}
	c.notify(ctx, exec.ID)
	return exec.ID, nil
}

// Cancel flags an execution as cancelled and abandons its queued jobs.
// Running jobs are closed as their outcomes arrive or their leases lapse.
func (c *Coordinator) Cancel(ctx context.Context, executionID uuid.UUID) (*store.Execution, error) {
	exec, err := c.store.MarkCancelled(ctx, executionID, ReasonCancelled)
	if err != nil {
		return nil, err
	}
	logger.WithExecution(c.logger, executionID).Info("execution cancel requested")

	c.abandonQueued(ctx, exec)
	c.tryFinish(ctx, executionID)
	c.notify(ctx, executionID)

	if latest, err := c.store.GetExecution(ctx, executionID); err == nil {
		return latest, nil
	}
	return exec, nil
}

// Status returns the current state and counts of an execution.
func (c *Coordinator) Status(ctx context.Context, executionID uuid.UUID) (*store.Execution, error) {
	return c.store.GetExecution(ctx, executionID)
}

// Jobs lists every attempt of an execution.
func (c *Coordinator) Jobs(ctx context.Context, executionID uuid.UUID) ([]*store.Job, error) {
	return c.store.ListJobs(ctx, executionID)
}

// Report builds the report from the store, falling back to the archive for
// executions the store no longer holds.
func (c *Coordinator) Report(ctx context.Context, executionID uuid.UUID) (*report.Report, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) && c.archive != nil {
		if r, aerr := c.archive.Get(ctx, executionID); aerr == nil {
			return r, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	jobs, err := c.store.ListJobs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return report.Build(exec, jobs), nil
}

// HandleOutcome reacts to a recorded outcome: it decides retry or abandon for
// failures and finishes the execution when nothing is pending.
func (c *Coordinator) HandleOutcome(ctx context.Context, job *store.Job) error {
	exec, err := c.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	exec = c.checkDeadline(ctx, exec)

	if job.Status == store.JobStatusFailed {
		c.decide(ctx, exec, job)
	}
	c.tryFinish(ctx, exec.ID)
	c.notify(ctx, exec.ID)
	return nil
}

// decide retries or abandons a failed job. Both transitions are conditional
// on the job still being failed, so exactly one decision sticks.
func (c *Coordinator) decide(ctx context.Context, exec *store.Execution, job *store.Job) {
	log := logger.WithExecution(c.logger, exec.ID).With(
		"job_id", job.ID, "test_case_id", job.TestCaseID, "attempt", job.Attempt)

	if c.shouldRetry(exec, job) {
		successor := c.successor(exec, job)
		err := c.store.ScheduleRetry(ctx, job.ID, successor)
		switch {
		case err == nil:
			c.metrics.Retried(ctx)
			log.Info("retry scheduled", "next_attempt", successor.Attempt, "visible_after", successor.VisibleAfter)
			c.publish(ctx, successor)
			return
		case errors.Is(err, store.ErrConflict):
			// Decided elsewhere, or the execution was cancelled meanwhile.
			c.metrics.Conflict(ctx, "schedule_retry")
		default:
			log.Warn("failed to schedule retry", "error", err)
			return
		}
	}

	abandoned, err := c.store.AbandonJob(ctx, job.ID, store.JobStatusFailed, job.FailureKind, job.LastError)
	switch {
	case err == nil:
		c.metrics.Abandoned(ctx, string(abandoned.FailureKind))
		log.Info("job abandoned", "failure_kind", abandoned.FailureKind)
	case store.IsDomainError(err):
		log.Debug("abandon lost", "error", err)
		c.metrics.Conflict(ctx, "abandon")
	default:
		log.Warn("failed to abandon job", "error", err)
	}
}

func (c *Coordinator) shouldRetry(exec *store.Execution, job *store.Job) bool {
	if !Retryable(exec.Policy, job.FailureKind) {
		return false
	}
	if job.Attempt > exec.Policy.MaxRetriesFor(job.TestCaseID) {
		return false
	}
	return !exec.CancelRequested && !exec.DeadlinePassed(c.now())
}

func (c *Coordinator) successor(exec *store.Execution, job *store.Job) *store.Job {
	c.rngMu.Lock()
	r := c.rng.Float64()
	c.rngMu.Unlock()

	now := c.now().UTC()
	prev := job.ID
	return &store.Job{
		ID:            store.JobID(exec.ID, job.TestCaseID, job.Attempt+1),
		ExecutionID:   exec.ID,
		TestCaseID:    job.TestCaseID,
		Position:      job.Position,
		Attempt:       job.Attempt + 1,
		PreviousJobID: &prev,
		Status:        store.JobStatusQueued,
		VisibleAfter:  now.Add(Backoff(exec.Policy, job.Attempt, r)),
		Deadline:      exec.Deadline,
		EnqueuedAt:    now,
	}
}

// checkDeadline sets the cancellation flag once the deadline has passed and
// returns the execution as it now stands.
func (c *Coordinator) checkDeadline(ctx context.Context, exec *store.Execution) *store.Execution {
	if exec.CancelRequested || !exec.DeadlinePassed(c.now()) {
		return exec
	}
	updated, err := c.store.MarkCancelled(ctx, exec.ID, store.ReasonDeadlineExceeded)
	if err != nil {
		if !store.IsDomainError(err) {
			c.logger.Warn("failed to flag deadline", "execution_id", exec.ID, "error", err)
		}
		return exec
	}
	logger.WithExecution(c.logger, exec.ID).Info("execution deadline exceeded")
	c.abandonQueued(ctx, updated)
	return updated
}

func (c *Coordinator) abandonQueued(ctx context.Context, exec *store.Execution) {
	jobs, err := c.store.ListJobs(ctx, exec.ID)
	if err != nil {
		c.logger.Warn("failed to list jobs", "execution_id", exec.ID, "error", err)
		return
	}
	for _, j := range jobs {
		if j.Status != store.JobStatusQueued {
			continue
		}
		if _, err := c.store.AbandonJob(ctx, j.ID, store.JobStatusQueued, store.FailureCancelled, exec.CancelReason); err == nil {
			c.metrics.Abandoned(ctx, string(store.FailureCancelled))
		} else if !store.IsDomainError(err) {
			c.logger.Warn("failed to abandon queued job", "job_id", j.ID, "error", err)
		}
	}
}

// tryFinish moves the execution to its terminal status once nothing is
// pending. FinishExecution is conditional, so only one caller wins; the winner
// archives the report.
func (c *Coordinator) tryFinish(ctx context.Context, executionID uuid.UUID) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil || exec.Status.Terminal() || exec.Counts.Pending > 0 {
		return
	}

	status, reason := finalStatus(exec)
	finished, err := c.store.FinishExecution(ctx, executionID, status, reason)
	if err != nil {
		if !store.IsDomainError(err) {
			c.logger.Warn("failed to finish execution", "execution_id", executionID, "error", err)
		}
		return
	}

	c.metrics.ExecutionFinished(ctx, string(finished.Status))
	logger.WithExecution(c.logger, executionID).Info("execution finished",
		"status", finished.Status, "reason", finished.Reason,
		"passed", finished.Counts.Passed, "failed", finished.Counts.Failed, "errored", finished.Counts.Errored)

	if c.archive == nil {
		return
	}
	if err := c.saveReport(ctx, finished); err != nil {
		c.logger.Warn("failed to archive report", "execution_id", executionID, "error", err)
	}
}

func (c *Coordinator) saveReport(ctx context.Context, exec *store.Execution) error {
	jobs, err := c.store.ListJobs(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to list jobs for report: %w", err)
	}
	return c.archive.Save(ctx, report.Build(exec, jobs))
}

func (c *Coordinator) publishAll(ctx context.Context, jobs []*store.Job) {
	p := pool.New().WithMaxGoroutines(publishConcurrency)
	for _, j := range jobs {
		j := j
		p.Go(func() { c.publish(ctx, j) })
	}
	p.Wait()
}

// publish hands a job to the transport. Failures are logged only: workers
// also poll the store, so an unpublished job is still picked up.
func (c *Coordinator) publish(ctx context.Context, job *store.Job) {
	err := c.transport.Publish(ctx, queue.Message{
		JobID:        job.ID,
		ExecutionID:  job.ExecutionID,
		TestCaseID:   job.TestCaseID,
		Attempt:      job.Attempt,
		VisibleAfter: job.VisibleAfter,
		Trace:        observability.InjectTrace(ctx),
	})
	if err != nil {
		c.logger.Warn("failed to publish job", "job_id", job.ID, "error", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, executionID uuid.UUID) {
	for _, n := range c.notifiers {
		n.Notify(ctx, executionID)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
