package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore is the single authority over executions and their jobs.
// Every method is one atomic operation; conditional transitions return
// ErrConflict instead of blocking.
type JobStore interface {
	LeaseStore

	// CreateExecution inserts an execution together with its first-attempt jobs.
	CreateExecution(ctx context.Context, execution *Execution, jobs []*Job) error

	// GetExecution returns the execution with its current counts.
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)

	// ListJobs returns every job of an execution ordered by position and attempt.
	ListJobs(ctx context.Context, executionID uuid.UUID) ([]*Job, error)

	// ListOpenExecutions returns executions that are not terminal.
	ListOpenExecutions(ctx context.Context) ([]*Execution, error)

	// ListFinishedSince returns terminal executions completed at or after
	// since, oldest completion first.
	ListFinishedSince(ctx context.Context, since time.Time) ([]*Execution, error)

	// RecordOutcome stores the result of a running attempt held by workerID.
	// A success is counted on the execution in the same operation.
	RecordOutcome(ctx context.Context, jobID uuid.UUID, attempt int, workerID string, outcome Outcome) (*Job, error)

	// ScheduleRetry moves a failed job to retrying and inserts its successor.
	ScheduleRetry(ctx context.Context, jobID uuid.UUID, successor *Job) error

	// AbandonJob closes a job that is currently in status from, counting it as
	// failed or errored according to kind.
	AbandonJob(ctx context.Context, jobID uuid.UUID, from JobStatus, kind FailureKind, reason string) (*Job, error)

	// MarkCancelled sets the cancellation flag of a non-terminal execution.
	MarkCancelled(ctx context.Context, executionID uuid.UUID, reason string) (*Execution, error)

	// FinishExecution moves an execution with no pending jobs to a terminal status.
	FinishExecution(ctx context.Context, executionID uuid.UUID, status ExecutionStatus, reason string) (*Execution, error)

	// PurgeFinishedBefore deletes terminal executions completed before cutoff.
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
