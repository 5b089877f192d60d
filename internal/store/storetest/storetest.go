// Package storetest holds a behavioural test suite shared by every
// store.JobStore implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"suiteplane/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.JobStore

// NewExecution builds a pending execution with one queued first attempt per test case.
func NewExecution(policy store.Policy, testCases ...string) (*store.Execution, []*store.Job) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	exec := &store.Execution{
		ID:        uuid.New(),
		SuiteID:   "suite",
		Name:      "storetest",
		Trigger:   store.TriggerAPI,
		Status:    store.ExecutionStatusPending,
		Policy:    policy,
		Counts:    store.Counts{Total: len(testCases), Pending: len(testCases)},
		CreatedAt: now,
	}
	jobs := make([]*store.Job, 0, len(testCases))
	for i, tc := range testCases {
		jobs = append(jobs, &store.Job{
			ID:           store.JobID(exec.ID, tc, 1),
			ExecutionID:  exec.ID,
			TestCaseID:   tc,
			Position:     i,
			Attempt:      1,
			Status:       store.JobStatusQueued,
			VisibleAfter: now,
			EnqueuedAt:   now,
		})
	}
	return exec, jobs
}

// Successor builds the next attempt of a failed job.
func Successor(prev *store.Job, visibleAfter time.Time) *store.Job {
	prevID := prev.ID
	return &store.Job{
		ID:            store.JobID(prev.ExecutionID, prev.TestCaseID, prev.Attempt+1),
		ExecutionID:   prev.ExecutionID,
		TestCaseID:    prev.TestCaseID,
		Position:      prev.Position,
		Attempt:       prev.Attempt + 1,
		PreviousJobID: &prevID,
		Status:        store.JobStatusQueued,
		VisibleAfter:  visibleAfter,
		EnqueuedAt:    time.Now().UTC(),
		Deadline:      prev.Deadline,
	}
}

const lease = time.Minute

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.JobStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetUnknown", testGetUnknown},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ClaimNextRespectsVisibility", testClaimNextRespectsVisibility},
		{"RecordOutcomeIsIdempotent", testRecordOutcomeIsIdempotent},
		{"RecordOutcomeChecksOwnerAndAttempt", testRecordOutcomeChecksOwnerAndAttempt},
		{"ScheduleRetry", testScheduleRetry},
		{"AbandonCounts", testAbandonCounts},
		{"LeaseExpiry", testLeaseExpiry},
		{"ReclaimOnClaim", testReclaimOnClaim},
		{"RenewLease", testRenewLease},
		{"Cancellation", testCancellation},
		{"Finish", testFinish},
		{"ListFinishedSince", testListFinishedSince},
		{"Purge", testPurge},
		{"ConcurrentClaims", testConcurrentClaims},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func create(t *testing.T, s store.JobStore, policy store.Policy, testCases ...string) (*store.Execution, []*store.Job) {
	t.Helper()
	exec, jobs := NewExecution(policy, testCases...)
	require.NoError(t, s.CreateExecution(context.Background(), exec, jobs))
	return exec, jobs
}

func requireCounts(t *testing.T, s store.JobStore, id uuid.UUID, want store.Counts) *store.Execution {
	t.Helper()
	exec, err := s.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, exec.Counts)
	require.True(t, exec.Counts.Consistent())
	return exec
}

func testCreateAndGet(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, _ := create(t, s, store.Policy{MaxRetries: 2, TestCaseMaxRetries: map[string]int{"b": 0}}, "a", "b", "c")

	got := requireCounts(t, s, exec.ID, store.Counts{Total: 3, Pending: 3})
	require.Equal(t, store.ExecutionStatusPending, got.Status)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, 0, got.Policy.MaxRetriesFor("b"))

	jobs, err := s.ListJobs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, tc := range []string{"a", "b", "c"} {
		require.Equal(t, tc, jobs[i].TestCaseID)
		require.Equal(t, 1, jobs[i].Attempt)
		require.Equal(t, store.JobStatusQueued, jobs[i].Status)
	}

	open, err := s.ListOpenExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func testCreateDuplicate(t *testing.T, s store.JobStore) {
	exec, jobs := create(t, s, store.Policy{}, "a")
	err := s.CreateExecution(context.Background(), exec, jobs)
	require.ErrorIs(t, err, store.ErrConflict)
}

func testGetUnknown(t *testing.T, s store.JobStore) {
	_, err := s.GetExecution(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.MarkCancelled(context.Background(), uuid.New(), "x")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testClaimIsExclusive(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{}, "a")

	job, err := s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.NoError(t, err)
	require.Equal(t, store.JobStatusRunning, job.Status)
	require.Equal(t, "w1", job.LeaseOwner)

	_, err = s.ClaimJob(ctx, jobs[0].ID, "w2", lease)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	next, err := s.ClaimNextJob(ctx, "w2", lease)
	require.NoError(t, err)
	require.Nil(t, next)
}

func testClaimNextRespectsVisibility(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := NewExecution(store.Policy{}, "later", "now")
	jobs[0].VisibleAfter = time.Now().Add(time.Hour)
	require.NoError(t, s.CreateExecution(ctx, exec, jobs))

	job, err := s.ClaimNextJob(ctx, "w1", lease)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "now", job.TestCaseID)

	job, err = s.ClaimNextJob(ctx, "w1", lease)
	require.NoError(t, err)
	require.Nil(t, job)

	_, err = s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.ErrorIs(t, err, store.ErrConflict)
}

func testRecordOutcomeIsIdempotent(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{}, "a", "b")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.NoError(t, err)

	done, err := s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Succeeded: true, Result: []byte(`{"ok":true}`)})
	require.NoError(t, err)
	require.Equal(t, store.JobStatusSucceeded, done.Status)
	before := requireCounts(t, s, exec.ID, store.Counts{Total: 2, Passed: 1, Pending: 1})

	_, err = s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Succeeded: true})
	require.ErrorIs(t, err, store.ErrConflict)
	after := requireCounts(t, s, exec.ID, store.Counts{Total: 2, Passed: 1, Pending: 1})
	require.Equal(t, before.Version, after.Version)
}

func testRecordOutcomeChecksOwnerAndAttempt(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{}, "a")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.NoError(t, err)

	_, err = s.RecordOutcome(ctx, jobs[0].ID, 1, "w2", store.Outcome{Succeeded: true})
	require.ErrorIs(t, err, store.ErrConflict)
	_, err = s.RecordOutcome(ctx, jobs[0].ID, 2, "w1", store.Outcome{Succeeded: true})
	require.ErrorIs(t, err, store.ErrConflict)

	failed, err := s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Kind: store.FailureAssertion, Error: "expected 1"})
	require.NoError(t, err)
	require.Equal(t, store.JobStatusFailed, failed.Status)
	require.Equal(t, store.FailureAssertion, failed.FailureKind)
	require.Equal(t, "expected 1", failed.LastError)

	// A failure is not counted until the coordinator decides on it.
	requireCounts(t, s, exec.ID, store.Counts{Total: 1, Pending: 1})
}

func testScheduleRetry(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{MaxRetries: 1}, "a")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.NoError(t, err)
	failed, err := s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Kind: store.FailureInfra})
	require.NoError(t, err)

	next := Successor(failed, time.Now().Add(-time.Second))
	require.NoError(t, s.ScheduleRetry(ctx, failed.ID, next))
	require.ErrorIs(t, s.ScheduleRetry(ctx, failed.ID, Successor(failed, time.Now())), store.ErrConflict)
	requireCounts(t, s, exec.ID, store.Counts{Total: 1, Retried: 1, Pending: 1})

	all, err := s.ListJobs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, store.JobStatusRetrying, all[0].Status)
	require.Equal(t, 2, all[1].Attempt)
	require.Equal(t, store.JobStatusQueued, all[1].Status)
	require.NotNil(t, all[1].PreviousJobID)
	require.Equal(t, failed.ID, *all[1].PreviousJobID)

	claimed, err := s.ClaimNextJob(ctx, "w2", lease)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, next.ID, claimed.ID)

	_, err = s.RecordOutcome(ctx, next.ID, 2, "w2", store.Outcome{Succeeded: true})
	require.NoError(t, err)
	requireCounts(t, s, exec.ID, store.Counts{Total: 1, Passed: 1, Retried: 1})
}

func testAbandonCounts(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{}, "a", "b", "c")

	for i, kind := range []store.FailureKind{store.FailureAssertion, store.FailureInfra} {
		_, err := s.ClaimJob(ctx, jobs[i].ID, "w1", lease)
		require.NoError(t, err)
		_, err = s.RecordOutcome(ctx, jobs[i].ID, 1, "w1", store.Outcome{Kind: kind})
		require.NoError(t, err)
		_, err = s.AbandonJob(ctx, jobs[i].ID, store.JobStatusQueued, kind, "")
		require.ErrorIs(t, err, store.ErrConflict)
		abandoned, err := s.AbandonJob(ctx, jobs[i].ID, store.JobStatusFailed, kind, "")
		require.NoError(t, err)
		require.Equal(t, store.JobStatusAbandoned, abandoned.Status)
	}

	_, err := s.AbandonJob(ctx, jobs[2].ID, store.JobStatusQueued, store.FailureCancelled, "cancelled by user")
	require.NoError(t, err)
	_, err = s.AbandonJob(ctx, jobs[2].ID, store.JobStatusQueued, store.FailureCancelled, "cancelled by user")
	require.ErrorIs(t, err, store.ErrConflict)

	requireCounts(t, s, exec.ID, store.Counts{Total: 3, Failed: 1, Errored: 2})
}

func testLeaseExpiry(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	_, jobs := create(t, s, store.Policy{}, "a")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", 20*time.Millisecond)
	require.NoError(t, err)

	expired, err := s.ExpireLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)

	time.Sleep(60 * time.Millisecond)
	expired, err = s.ExpireLeases(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, store.JobStatusQueued, expired[0].Status)
	require.Equal(t, 1, expired[0].Attempt)
	require.Equal(t, 1, expired[0].Reclaims)

	_, err = s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Succeeded: true})
	require.ErrorIs(t, err, store.ErrConflict)
	require.ErrorIs(t, s.RenewLease(ctx, jobs[0].ID, "w1", lease), store.ErrConflict)

	job, err := s.ClaimJob(ctx, jobs[0].ID, "w2", lease)
	require.NoError(t, err)
	require.Equal(t, "w2", job.LeaseOwner)
}

func testReclaimOnClaim(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	_, jobs := create(t, s, store.Policy{MaxRetries: 1}, "a")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", 20*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	job, err := s.ClaimNextJob(ctx, "w2", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "w2", job.LeaseOwner)
	require.Equal(t, 1, job.Reclaims)

	_, err = s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Succeeded: true})
	require.ErrorIs(t, err, store.ErrConflict)

	// The reclaim budget is spent; only the sweep may take it from here.
	time.Sleep(60 * time.Millisecond)
	_, err = s.ClaimJob(ctx, jobs[0].ID, "w3", lease)
	require.ErrorIs(t, err, store.ErrConflict)
}

func testRenewLease(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	_, jobs := create(t, s, store.Policy{}, "a")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", 40*time.Millisecond)
	require.NoError(t, err)
	require.ErrorIs(t, s.RenewLease(ctx, jobs[0].ID, "w2", lease), store.ErrConflict)

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, s.RenewLease(ctx, jobs[0].ID, "w1", 40*time.Millisecond))
	}
	expired, err := s.ExpireLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func testCancellation(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{MaxRetries: 3}, "a", "b")

	_, err := s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.NoError(t, err)

	cancelled, err := s.MarkCancelled(ctx, exec.ID, "user request")
	require.NoError(t, err)
	require.True(t, cancelled.CancelRequested)
	require.Equal(t, "user request", cancelled.CancelReason)
	require.Equal(t, store.ExecutionStatusRunning, cancelled.Status)

	again, err := s.MarkCancelled(ctx, exec.ID, "other")
	require.NoError(t, err)
	require.Equal(t, "user request", again.CancelReason)
	require.Equal(t, cancelled.Version, again.Version)

	_, err = s.ClaimJob(ctx, jobs[1].ID, "w2", lease)
	require.ErrorIs(t, err, store.ErrConflict)
	next, err := s.ClaimNextJob(ctx, "w2", lease)
	require.NoError(t, err)
	require.Nil(t, next)

	failed, err := s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Kind: store.FailureInfra})
	require.NoError(t, err)
	require.ErrorIs(t, s.ScheduleRetry(ctx, failed.ID, Successor(failed, time.Now())), store.ErrConflict)
}

func testFinish(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	exec, jobs := create(t, s, store.Policy{}, "a")

	_, err := s.FinishExecution(ctx, exec.ID, store.ExecutionStatusCompleted, "")
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = s.ClaimJob(ctx, jobs[0].ID, "w1", lease)
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, jobs[0].ID, 1, "w1", store.Outcome{Succeeded: true})
	require.NoError(t, err)

	done, err := s.FinishExecution(ctx, exec.ID, store.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = s.FinishExecution(ctx, exec.ID, store.ExecutionStatusFailed, "")
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)
	_, err = s.MarkCancelled(ctx, exec.ID, "late")
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	open, err := s.ListOpenExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func testListFinishedSince(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	before := time.Now().Add(-time.Minute)
	done, _ := create(t, s, store.Policy{})
	_, err := s.FinishExecution(ctx, done.ID, store.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	create(t, s, store.Policy{}, "a")

	finished, err := s.ListFinishedSince(ctx, before)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	require.Equal(t, done.ID, finished[0].ID)
	require.Equal(t, store.ExecutionStatusCompleted, finished[0].Status)

	finished, err = s.ListFinishedSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, finished)
}

func testPurge(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	done, _ := create(t, s, store.Policy{})
	_, err := s.FinishExecution(ctx, done.ID, store.ExecutionStatusCompleted, "")
	require.NoError(t, err)
	open, _ := create(t, s, store.Policy{}, "a")

	n, err := s.PurgeFinishedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.PurgeFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetExecution(ctx, done.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetExecution(ctx, open.ID)
	require.NoError(t, err)
}

func testConcurrentClaims(t *testing.T, s store.JobStore) {
	ctx := context.Background()
	cases := make([]string, 25)
	for i := range cases {
		cases[i] = fmt.Sprintf("tc-%02d", i)
	}
	exec, _ := create(t, s, store.Policy{}, cases...)

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]string)
		wg      sync.WaitGroup
		errs    = make(chan error, 10)
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := s.ClaimNextJob(ctx, worker, lease)
				if err != nil {
					errs <- err
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[job.ID]; ok {
					mu.Unlock()
					errs <- fmt.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
					return
				}
				claimed[job.ID] = worker
				mu.Unlock()
				if _, err := s.RecordOutcome(ctx, job.ID, job.Attempt, worker, store.Outcome{Succeeded: true}); err != nil {
					errs <- err
					return
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, store.ErrConflict) {
			require.NoError(t, err)
		}
	}
	require.Len(t, claimed, len(cases))
	requireCounts(t, s, exec.ID, store.Counts{Total: len(cases), Passed: len(cases)})
}
