package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LeaseStore is the work-queue side of the store: claiming jobs and keeping
// leases alive. Implementations claim with SELECT ... FOR UPDATE SKIP LOCKED
// semantics, so two workers never hold a live lease on the same job.
type LeaseStore interface {
	// ClaimJob leases a specific job. It fails with ErrConflict when the job is
	// not queued and visible, its lease is still live, or its execution no
	// longer accepts work.
	ClaimJob(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (*Job, error)

	// ClaimNextJob leases the oldest claimable job. Returns nil when none is available.
	ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// RenewLease extends the lease held by workerID (heartbeat).
	RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) error

	// ExpireLeases returns running jobs whose lease lapsed to queued, keeping
	// the attempt number, and returns them.
	ExpireLeases(ctx context.Context) ([]*Job, error)
}
