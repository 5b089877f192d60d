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
	"github.com/lib/pq"
)

const executionColumns = `id, suite_id, name, environment, trigger_type, status,
	total, passed, failed, errored, retried, pending, policy, deadline,
	cancel_requested, cancel_reason, reason, version, created_at, started_at, completed_at`

var openStatuses = []string{string(store.ExecutionStatusPending), string(store.ExecutionStatusRunning)}

var terminalStatuses = []string{
	string(store.ExecutionStatusCompleted),
	string(store.ExecutionStatusFailed),
	string(store.ExecutionStatusCancelled),
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var e store.Execution
	var policy []byte
	if err := row.Scan(
		&e.ID, &e.SuiteID, &e.Name, &e.Environment, &e.Trigger, &e.Status,
		&e.Counts.Total, &e.Counts.Passed, &e.Counts.Failed, &e.Counts.Errored,
		&e.Counts.Retried, &e.Counts.Pending, &policy, &e.Deadline,
		&e.CancelRequested, &e.CancelReason, &e.Reason, &e.Version,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	); err != nil {
		return nil, err
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &e.Policy); err != nil {
			return nil, fmt.Errorf("failed to decode policy of execution %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

// CreateExecution inserts the execution row and its first-attempt jobs in one transaction.
func (s *Store) CreateExecution(ctx context.Context, execution *store.Execution, jobs []*store.Job) error {
	policy, err := json.Marshal(execution.Policy)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, suite_id, name, environment, trigger_type, status,
			total, pending, policy, deadline, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
	`,
		execution.ID, execution.SuiteID, execution.Name, execution.Environment,
		execution.Trigger, execution.Status, execution.Counts.Total, execution.Counts.Pending,
		policy, execution.Deadline, execution.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", execution.ID, mapError(err))
	}

	for _, job := range jobs {
		if err := s.insertJob(ctx, tx, job); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	execution.Version = 1
	return nil
}

// GetExecution returns one execution with its counts.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	return s.getExecution(ctx, nil, id, "")
}

func (s *Store) getExecution(ctx context.Context, tx store.DBTransaction, id uuid.UUID, lock string) (*store.Execution, error) {
	query := "SELECT " + executionColumns + " FROM executions WHERE id = $1 " + lock
	e, err := scanExecution(s.getExecutor(tx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

// ListOpenExecutions returns pending and running executions, oldest first.
func (s *Store) ListOpenExecutions(ctx context.Context) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE status = ANY($1) ORDER BY created_at ASC",
		pq.Array(openStatuses),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListFinishedSince returns terminal executions completed at or after since.
func (s *Store) ListFinishedSince(ctx context.Context, since time.Time) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE status = ANY($1) AND completed_at >= $2 ORDER BY completed_at ASC",
		pq.Array(terminalStatuses), since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkCancelled sets the cancellation flag. Calling it again keeps the first reason.
func (s *Store) MarkCancelled(ctx context.Context, executionID uuid.UUID, reason string) (*store.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := s.getExecution(ctx, tx, executionID, "FOR UPDATE")
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, e.Status, store.ErrAlreadyTerminal)
	}
	if e.CancelRequested {
		return e, tx.Commit()
	}

	e, err = scanExecution(tx.QueryRowContext(ctx, `
		UPDATE executions
		SET cancel_requested = TRUE, cancel_reason = $2, version = version + 1
		WHERE id = $1
		RETURNING `+executionColumns, executionID, reason))
	if err != nil {
		return nil, err
	}
	return e, tx.Commit()
}

// FinishExecution moves an execution with nothing pending to a terminal status.
// Only one caller can win; the others get ErrAlreadyTerminal.
func (s *Store) FinishExecution(ctx context.Context, executionID uuid.UUID, status store.ExecutionStatus, reason string) (*store.Execution, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finish with non-terminal status %q", status)
	}

	e, err := scanExecution(s.db.QueryRowContext(ctx, `
		UPDATE executions
		SET status = $2, reason = $3, completed_at = NOW(), version = version + 1
		WHERE id = $1 AND status = ANY($4) AND pending = 0
		RETURNING `+executionColumns, executionID, status, reason, pq.Array(openStatuses)))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, current.Status, store.ErrAlreadyTerminal)
	}
	return nil, fmt.Errorf("execution %s has %d pending: %w", executionID, current.Counts.Pending, store.ErrConflict)
}

// PurgeFinishedBefore deletes terminal executions completed before cutoff.
// Jobs go with them through ON DELETE CASCADE.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE status = ANY($1) AND completed_at < $2
	`, pq.Array(terminalStatuses), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge executions: %w", err)
	}
	return res.RowsAffected()
}
