package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"suiteplane/internal/store"

	"github.com/google/uuid"
)

const jobColumns = `id, execution_id, test_case_id, position, attempt, previous_job_id,
	status, failure_kind, result, last_error, lease_owner, lease_until, reclaims,
	visible_after, deadline, enqueued_at, started_at, finished_at`

// claimableJob selects jobs j whose execution e still accepts work: queued and
// visible, or running with a lapsed lease and reclaim budget left.
const claimableJob = `
	e.status IN ('pending', 'running') AND NOT e.cancel_requested
	AND (
		(j.status = 'queued' AND j.visible_after <= NOW())
		OR (j.status = 'running' AND j.lease_until < NOW()
			AND j.reclaims < COALESCE(
				(e.policy->'test_case_max_retries'->>j.test_case_id)::int,
				(e.policy->>'max_retries')::int, 0))
	)`

func scanJob(row rowScanner) (*store.Job, error) {
	var j store.Job
	var result []byte
	if err := row.Scan(
		&j.ID, &j.ExecutionID, &j.TestCaseID, &j.Position, &j.Attempt, &j.PreviousJobID,
		&j.Status, &j.FailureKind, &result, &j.LastError, &j.LeaseOwner, &j.LeaseUntil, &j.Reclaims,
		&j.VisibleAfter, &j.Deadline, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*store.Job, error) {
	defer rows.Close()
	var out []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// nullJSON keeps an empty result as SQL NULL rather than invalid jsonb.
func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *Store) insertJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	visibleAfter := job.VisibleAfter
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	_, err := s.getExecutor(tx).ExecContext(ctx, `
		INSERT INTO jobs (id, execution_id, test_case_id, position, attempt, previous_job_id,
			status, visible_after, deadline, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		job.ID, job.ExecutionID, job.TestCaseID, job.Position, job.Attempt, job.PreviousJobID,
		store.JobStatusQueued, visibleAfter, job.Deadline, enqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, mapError(err))
	}
	return nil
}

// ListJobs returns every attempt of every test case in expansion order.
func (s *Store) ListJobs(ctx context.Context, executionID uuid.UUID) ([]*store.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE execution_id = $1 ORDER BY position ASC, attempt ASC",
		executionID,
	)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		if _, err := s.GetExecution(ctx, executionID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// ClaimJob leases the job a transport message pointed at.
func (s *Store) ClaimJob(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (*store.Job, error) {
	job, err := s.claim(ctx, `
		SELECT j.id FROM jobs j
		JOIN executions e ON e.id = j.execution_id
		WHERE j.id = $1 AND `+claimableJob+`
		FOR UPDATE OF j
	`, workerID, lease, jobID)
	if err != nil || job != nil {
		return job, err
	}

	var status store.JobStatus
	err = s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = $1", jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("job %s is %s: %w", jobID, status, store.ErrConflict)
}

// ClaimNextJob leases the oldest claimable job using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil if no job is available.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*store.Job, error) {
	return s.claim(ctx, `
		SELECT j.id FROM jobs j
		JOIN executions e ON e.id = j.execution_id
		WHERE `+claimableJob+`
		ORDER BY j.visible_after ASC, j.enqueued_at ASC, j.position ASC
		FOR UPDATE OF j SKIP LOCKED
		LIMIT 1
	`, workerID, lease)
}

func (s *Store) claim(ctx context.Context, selectQuery string, workerID string, lease time.Duration, args ...interface{}) (*store.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var jobID uuid.UUID
	if err := tx.QueryRowContext(ctx, selectQuery, args...).Scan(&jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim query failed: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET reclaims = reclaims + CASE WHEN status = 'running' THEN 1 ELSE 0 END,
			status = 'running',
			lease_owner = $2,
			lease_until = NOW() + ($3 * INTERVAL '1 second'),
			started_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, workerID, lease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, started_at = NOW(), version = version + 1
		WHERE id = $1 AND status = $3
	`, job.ExecutionID, store.ExecutionStatusRunning, store.ExecutionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("execution status update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// RenewLease extends the lease held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_until = NOW() + ($3 * INTERVAL '1 second')
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'
	`, jobID, workerID, lease.Seconds())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s lease not held by %s: %w", jobID, workerID, store.ErrConflict)
	}
	return nil
}

// ExpireLeases requeues running jobs whose lease lapsed, keeping the attempt.
func (s *Store) ExpireLeases(ctx context.Context) ([]*store.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'queued', lease_owner = '', lease_until = NULL,
			reclaims = reclaims + 1, visible_after = NOW()
		WHERE status = 'running' AND lease_until < NOW()
		RETURNING `+jobColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to expire leases: %w", err)
	}
	return scanJobs(rows)
}

// RecordOutcome stores the outcome of the attempt held by workerID. A success
// is counted on the execution in the same transaction.
func (s *Store) RecordOutcome(ctx context.Context, jobID uuid.UUID, attempt int, workerID string, outcome store.Outcome) (*store.Job, error) {
	status := store.JobStatusSucceeded
	kind := store.FailureNone
	if !outcome.Succeeded {
		status = store.JobStatusFailed
		kind = outcome.Kind
		if kind == store.FailureNone {
			kind = store.FailureInfra
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $4, failure_kind = $5, result = $6, last_error = $7,
			finished_at = NOW(), lease_owner = '', lease_until = NULL
		WHERE id = $1 AND attempt = $2 AND lease_owner = $3 AND status = 'running'
		RETURNING `+jobColumns,
		jobID, attempt, workerID, status, kind, nullJSON(outcome.Result), outcome.Error))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outcome for job %s attempt %d by %s: %w", jobID, attempt, workerID, store.ErrConflict)
	}
	if err != nil {
		return nil, err
	}

	if outcome.Succeeded {
		_, err = tx.ExecContext(ctx, `
			UPDATE executions
			SET passed = passed + 1, pending = pending - 1, version = version + 1
			WHERE id = $1
		`, job.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("failed to count success: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// ScheduleRetry closes a failed job as retrying and inserts its successor.
// The execution row is share-locked so a concurrent cancel cannot slip in between.
func (s *Store) ScheduleRetry(ctx context.Context, jobID uuid.UUID, successor *store.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		executionID     uuid.UUID
		execStatus      store.ExecutionStatus
		cancelRequested bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT e.id, e.status, e.cancel_requested
		FROM executions e
		JOIN jobs j ON j.execution_id = e.id
		WHERE j.id = $1
		FOR SHARE OF e
	`, jobID).Scan(&executionID, &execStatus, &cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if execStatus.Terminal() || cancelRequested {
		return fmt.Errorf("retry of job %s: execution no longer accepts work: %w", jobID, store.ErrConflict)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'retrying'
		WHERE id = $1 AND status = 'failed'
	`, jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("retry of job %s: %w", jobID, store.ErrConflict)
	}

	if err := s.insertJob(ctx, tx, successor); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET retried = retried + 1, version = version + 1
		WHERE id = $1
	`, executionID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// AbandonJob closes a job that is still in status from and counts it.
func (s *Store) AbandonJob(ctx context.Context, jobID uuid.UUID, from store.JobStatus, kind store.FailureKind, reason string) (*store.Job, error) {
	if from.Terminal() {
		return nil, fmt.Errorf("abandon job %s from %s: %w", jobID, from, store.ErrConflict)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'abandoned', failure_kind = $3,
			last_error = CASE WHEN $4 = '' THEN last_error ELSE $4 END,
			lease_owner = '', lease_until = NULL, finished_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns, jobID, from, kind, reason))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("abandon job %s: not %s: %w", jobID, from, store.ErrConflict)
	}
	if err != nil {
		return nil, err
	}

	failed, errored := 0, 1
	if kind.CountsAsFailed() {
		failed, errored = 1, 0
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET failed = failed + $2, errored = errored + $3, pending = pending - 1, version = version + 1
		WHERE id = $1
	`, job.ExecutionID, failed, errored)
	if err != nil {
		return nil, fmt.Errorf("failed to count abandoned job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}
