package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// DefaultRetryTimeout bounds how long a single store operation is retried.
const DefaultRetryTimeout = 30 * time.Second

// Retry runs op until it succeeds, returns a domain error, or timeout elapses.
// Exhausting the budget returns an error wrapping ErrStoreUnavailable.
func Retry(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultRetryTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsDomainError(err) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err == nil || IsDomainError(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func retryValue[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, timeout, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// WithRetry wraps a JobStore so every call goes through Retry.
func WithRetry(s JobStore, timeout time.Duration) JobStore {
	return &retryingStore{inner: s, timeout: timeout}
}

type retryingStore struct {
	inner   JobStore
	timeout time.Duration
}

func (r *retryingStore) CreateExecution(ctx context.Context, execution *Execution, jobs []*Job) error {
	return Retry(ctx, r.timeout, func(ctx context.Context) error {
		return r.inner.CreateExecution(ctx, execution, jobs)
	})
}

func (r *retryingStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Execution, error) {
		return r.inner.GetExecution(ctx, id)
	})
}

func (r *retryingStore) ListJobs(ctx context.Context, executionID uuid.UUID) ([]*Job, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) ([]*Job, error) {
		return r.inner.ListJobs(ctx, executionID)
	})
}

func (r *retryingStore) ListOpenExecutions(ctx context.Context) ([]*Execution, error) {
	return retryValue(ctx, r.timeout, r.inner.ListOpenExecutions)
}

func (r *retryingStore) ListFinishedSince(ctx context.Context, since time.Time) ([]*Execution, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) ([]*Execution, error) {
		return r.inner.ListFinishedSince(ctx, since)
	})
}

func (r *retryingStore) ClaimJob(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (*Job, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Job, error) {
		return r.inner.ClaimJob(ctx, jobID, workerID, lease)
	})
}

func (r *retryingStore) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Job, error) {
		return r.inner.ClaimNextJob(ctx, workerID, lease)
	})
}

func (r *retryingStore) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error {
	return Retry(ctx, r.timeout, func(ctx context.Context) error {
		return r.inner.RenewLease(ctx, jobID, workerID, lease)
	})
}

func (r *retryingStore) ExpireLeases(ctx context.Context) ([]*Job, error) {
	return retryValue(ctx, r.timeout, r.inner.ExpireLeases)
}

func (r *retryingStore) RecordOutcome(ctx context.Context, jobID uuid.UUID, attempt int, workerID string, outcome Outcome) (*Job, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Job, error) {
		return r.inner.RecordOutcome(ctx, jobID, attempt, workerID, outcome)
	})
}

func (r *retryingStore) ScheduleRetry(ctx context.Context, jobID uuid.UUID, successor *Job) error {
	return Retry(ctx, r.timeout, func(ctx context.Context) error {
		return r.inner.ScheduleRetry(ctx, jobID, successor)
	})
}

func (r *retryingStore) AbandonJob(ctx context.Context, jobID uuid.UUID, from JobStatus, kind FailureKind, reason string) (*Job, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Job, error) {
		return r.inner.AbandonJob(ctx, jobID, from, kind, reason)
	})
}

func (r *retryingStore) MarkCancelled(ctx context.Context, executionID uuid.UUID, reason string) (*Execution, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Execution, error) {
		return r.inner.MarkCancelled(ctx, executionID, reason)
	})
}

func (r *retryingStore) FinishExecution(ctx context.Context, executionID uuid.UUID, status ExecutionStatus, reason string) (*Execution, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (*Execution, error) {
		return r.inner.FinishExecution(ctx, executionID, status, reason)
	})
}

func (r *retryingStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return retryValue(ctx, r.timeout, func(ctx context.Context) (int64, error) {
		return r.inner.PurgeFinishedBefore(ctx, cutoff)
	})
}

// Ping is not retried; health checks want the current answer.
func (r *retryingStore) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}
