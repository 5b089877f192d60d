// Package memory implements store.JobStore in process memory.
// All operations run under one mutex, which makes each of them atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"suiteplane/internal/store"

	"github.com/google/uuid"
)

// Store is an in-memory JobStore.
type Store struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*store.Execution
	jobs       map[uuid.UUID]*store.Job
	byExec     map[uuid.UUID][]uuid.UUID

	now   func() time.Time
	fault func(op string) error
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		executions: make(map[uuid.UUID]*store.Execution),
		jobs:       make(map[uuid.UUID]*store.Job),
		byExec:     make(map[uuid.UUID][]uuid.UUID),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault installs a hook called before every operation. A non-nil return
// fails the operation without touching state. Pass nil to clear it.
func (s *Store) SetFault(fault func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fault
}

func (s *Store) begin(op string) error {
	s.mu.Lock()
	if s.fault != nil {
		if err := s.fault(op); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, execution *store.Execution, jobs []*store.Job) error {
	if err := s.begin("CreateExecution"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.executions[execution.ID]; ok {
		return fmt.Errorf("execution %s: %w", execution.ID, store.ErrConflict)
	}
	for _, job := range jobs {
		if _, ok := s.jobs[job.ID]; ok {
			return fmt.Errorf("job %s: %w", job.ID, store.ErrConflict)
		}
	}

	e := copyExecution(execution)
	e.Version = 1
	s.executions[e.ID] = e
	ids := make([]uuid.UUID, 0, len(jobs))
	for _, job := range jobs {
		j := copyJob(job)
		s.jobs[j.ID] = j
		ids = append(ids, j.ID)
	}
	s.byExec[e.ID] = ids
	execution.Version = e.Version
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	if err := s.begin("GetExecution"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	return copyExecution(e), nil
}

func (s *Store) ListJobs(ctx context.Context, executionID uuid.UUID) ([]*store.Job, error) {
	if err := s.begin("ListJobs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if _, ok := s.executions[executionID]; !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	ids := s.byExec[executionID]
	out := make([]*store.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyJob(s.jobs[id]))
	}
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Position != out[k].Position {
			return out[i].Position < out[k].Position
		}
		return out[i].Attempt < out[k].Attempt
	})
	return out, nil
}

func (s *Store) ListOpenExecutions(ctx context.Context) ([]*store.Execution, error) {
	if err := s.begin("ListOpenExecutions"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*store.Execution
	for _, e := range s.executions {
		if !e.Status.Terminal() {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) ListFinishedSince(ctx context.Context, since time.Time) ([]*store.Execution, error) {
	if err := s.begin("ListFinishedSince"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*store.Execution
	for _, e := range s.executions {
		if e.Status.Terminal() && e.CompletedAt != nil && !e.CompletedAt.Before(since) {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CompletedAt.Before(*out[k].CompletedAt) })
	return out, nil
}

func (s *Store) ClaimJob(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (*store.Job, error) {
	if err := s.begin("ClaimJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	now := s.now()
	if !s.claimable(j, now) {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, j.Status, store.ErrConflict)
	}
	s.claim(j, workerID, lease, now)
	return copyJob(j), nil
}

func (s *Store) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*store.Job, error) {
	if err := s.begin("ClaimNextJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	now := s.now()
	var next *store.Job
	for _, j := range s.jobs {
		if !s.claimable(j, now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	s.claim(next, workerID, lease, now)
	return copyJob(next), nil
}

func claimsBefore(a, b *store.Job) bool {
	if !a.VisibleAfter.Equal(b.VisibleAfter) {
		return a.VisibleAfter.Before(b.VisibleAfter)
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Position < b.Position
}

// claimable mirrors the WHERE clause of the postgres claim query.
func (s *Store) claimable(j *store.Job, now time.Time) bool {
	e := s.executions[j.ExecutionID]
	if e == nil || e.Status.Terminal() || e.CancelRequested {
		return false
	}
	switch j.Status {
	case store.JobStatusQueued:
		return !j.VisibleAfter.After(now)
	case store.JobStatusRunning:
		return j.LeaseUntil != nil && j.LeaseUntil.Before(now) &&
			j.Reclaims < e.Policy.MaxRetriesFor(j.TestCaseID)
	}
	return false
}

func (s *Store) claim(j *store.Job, workerID string, lease time.Duration, now time.Time) {
	if j.Status == store.JobStatusRunning {
		j.Reclaims++
	}
	until := now.Add(lease)
	started := now
	j.Status = store.JobStatusRunning
	j.LeaseOwner = workerID
	j.LeaseUntil = &until
	j.StartedAt = &started

	e := s.executions[j.ExecutionID]
	if e.Status == store.ExecutionStatusPending {
		e.Status = store.ExecutionStatusRunning
		e.StartedAt = &started
		e.Version++
	}
}

func (s *Store) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error {
	if err := s.begin("RenewLease"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if j.Status != store.JobStatusRunning || j.LeaseOwner != workerID {
		return fmt.Errorf("job %s lease not held by %s: %w", jobID, workerID, store.ErrConflict)
	}
	until := s.now().Add(lease)
	j.LeaseUntil = &until
	return nil
}

func (s *Store) ExpireLeases(ctx context.Context) ([]*store.Job, error) {
	if err := s.begin("ExpireLeases"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	now := s.now()
	var out []*store.Job
	for _, j := range s.jobs {
		if j.Status != store.JobStatusRunning || j.LeaseUntil == nil || !j.LeaseUntil.Before(now) {
			continue
		}
		j.Status = store.JobStatusQueued
		j.LeaseOwner = ""
		j.LeaseUntil = nil
		j.Reclaims++
		j.VisibleAfter = now
		out = append(out, copyJob(j))
	}
	return out, nil
}

func (s *Store) RecordOutcome(ctx context.Context, jobID uuid.UUID, attempt int, workerID string, outcome store.Outcome) (*store.Job, error) {
	if err := s.begin("RecordOutcome"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if j.Status != store.JobStatusRunning || j.Attempt != attempt || j.LeaseOwner != workerID {
		return nil, fmt.Errorf("outcome for job %s attempt %d by %s: %w", jobID, attempt, workerID, store.ErrConflict)
	}

	now := s.now()
	j.FinishedAt = &now
	j.LeaseOwner = ""
	j.LeaseUntil = nil
	j.Result = outcome.Result
	j.LastError = outcome.Error
	if outcome.Succeeded {
		j.Status = store.JobStatusSucceeded
		j.FailureKind = store.FailureNone
		e := s.executions[j.ExecutionID]
		e.Counts.Passed++
		e.Counts.Pending--
		e.Version++
	} else {
		j.Status = store.JobStatusFailed
		j.FailureKind = outcome.Kind
		if j.FailureKind == store.FailureNone {
			j.FailureKind = store.FailureInfra
		}
	}
	return copyJob(j), nil
}

func (s *Store) ScheduleRetry(ctx context.Context, jobID uuid.UUID, successor *store.Job) error {
	if err := s.begin("ScheduleRetry"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	e := s.executions[j.ExecutionID]
	if j.Status != store.JobStatusFailed || e.Status.Terminal() || e.CancelRequested {
		return fmt.Errorf("retry of job %s: %w", jobID, store.ErrConflict)
	}
	if _, exists := s.jobs[successor.ID]; exists {
		return fmt.Errorf("successor %s: %w", successor.ID, store.ErrConflict)
	}

	j.Status = store.JobStatusRetrying
	n := copyJob(successor)
	s.jobs[n.ID] = n
	s.byExec[e.ID] = append(s.byExec[e.ID], n.ID)
	e.Counts.Retried++
	e.Version++
	return nil
}

func (s *Store) AbandonJob(ctx context.Context, jobID uuid.UUID, from store.JobStatus, kind store.FailureKind, reason string) (*store.Job, error) {
	if err := s.begin("AbandonJob"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if j.Status != from || from.Terminal() {
		return nil, fmt.Errorf("abandon job %s: is %s, expected %s: %w", jobID, j.Status, from, store.ErrConflict)
	}

	now := s.now()
	j.Status = store.JobStatusAbandoned
	j.FailureKind = kind
	if reason != "" {
		j.LastError = reason
	}
	j.LeaseOwner = ""
	j.LeaseUntil = nil
	j.FinishedAt = &now

	e := s.executions[j.ExecutionID]
	if kind.CountsAsFailed() {
		e.Counts.Failed++
	} else {
		e.Counts.Errored++
	}
	e.Counts.Pending--
	e.Version++
	return copyJob(j), nil
}

func (s *Store) MarkCancelled(ctx context.Context, executionID uuid.UUID, reason string) (*store.Execution, error) {
	if err := s.begin("MarkCancelled"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	e, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, e.Status, store.ErrAlreadyTerminal)
	}
	if !e.CancelRequested {
		e.CancelRequested = true
		e.CancelReason = reason
		e.Version++
	}
	return copyExecution(e), nil
}

func (s *Store) FinishExecution(ctx context.Context, executionID uuid.UUID, status store.ExecutionStatus, reason string) (*store.Execution, error) {
	if err := s.begin("FinishExecution"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if !status.Terminal() {
		return nil, fmt.Errorf("finish with non-terminal status %q", status)
	}
	e, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, e.Status, store.ErrAlreadyTerminal)
	}
	if e.Counts.Pending != 0 {
		return nil, fmt.Errorf("execution %s has %d pending: %w", executionID, e.Counts.Pending, store.ErrConflict)
	}

	now := s.now()
	e.Status = status
	e.Reason = reason
	e.CompletedAt = &now
	e.Version++
	return copyExecution(e), nil
}

func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.begin("PurgeFinishedBefore"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.executions {
		if !e.Status.Terminal() || e.CompletedAt == nil || !e.CompletedAt.Before(cutoff) {
			continue
		}
		for _, jobID := range s.byExec[id] {
			delete(s.jobs, jobID)
		}
		delete(s.byExec, id)
		delete(s.executions, id)
		n++
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.begin("Ping"); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

func copyExecution(e *store.Execution) *store.Execution {
	c := *e
	if e.Policy.TestCaseMaxRetries != nil {
		c.Policy.TestCaseMaxRetries = make(map[string]int, len(e.Policy.TestCaseMaxRetries))
		for k, v := range e.Policy.TestCaseMaxRetries {
			c.Policy.TestCaseMaxRetries[k] = v
		}
	}
	c.Deadline = copyTime(e.Deadline)
	c.StartedAt = copyTime(e.StartedAt)
	c.CompletedAt = copyTime(e.CompletedAt)
	return &c
}

func copyJob(j *store.Job) *store.Job {
	c := *j
	if j.PreviousJobID != nil {
		prev := *j.PreviousJobID
		c.PreviousJobID = &prev
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	c.LeaseUntil = copyTime(j.LeaseUntil)
	c.Deadline = copyTime(j.Deadline)
	c.StartedAt = copyTime(j.StartedAt)
	c.FinishedAt = copyTime(j.FinishedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

var _ store.JobStore = (*Store)(nil)
