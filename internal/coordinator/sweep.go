package coordinator

import (
	"context"
	"errors"
	"time"

	"suiteplane/internal/report"
	"suiteplane/internal/store"
)

// Run recovers open executions and then sweeps every SweepInterval until ctx
// is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Recover(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("recovery failed", "error", err)
	}

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Recover re-publishes the queued jobs of every open execution. Messages lost
// with a previous process are replaced; duplicates are dropped by the claim.
func (c *Coordinator) Recover(ctx context.Context) error {
	execs, err := c.store.ListOpenExecutions(ctx)
	if err != nil {
		return err
	}
	published := 0
	for _, exec := range execs {
		jobs, err := c.store.ListJobs(ctx, exec.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		var queued []*store.Job
		for _, j := range jobs {
			if j.Status == store.JobStatusQueued {
				queued = append(queued, j)
			}
		}
		c.publishAll(ctx, queued)
		published += len(queued)
	}
	c.logger.Info("recovery complete", "open_executions", len(execs), "republished", published)
	return nil
}

// Sweep is one maintenance pass. Expired leases are returned to the queue or
// abandoned, every open execution is checked for a passed deadline, undecided
// failures and completion, and finished executions missing from the archive
// get their report.
func (c *Coordinator) Sweep(ctx context.Context) error {
	expired, err := c.store.ExpireLeases(ctx)
	if err != nil {
		return err
	}
	for _, job := range expired {
		c.reclaimed(ctx, job)
	}

	execs, err := c.store.ListOpenExecutions(ctx)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.sweepExecution(ctx, exec)
	}

	if c.archive != nil {
		return c.archiveFinished(ctx)
	}
	return nil
}

// archiveFinished saves the report of every execution finished since the last
// clean pass that has none yet. Executions finished by a coordinator without
// an archive, such as the one inside a worker, are picked up here.
func (c *Coordinator) archiveFinished(ctx context.Context) error {
	c.archiveMu.Lock()
	defer c.archiveMu.Unlock()

	start := c.now()
	finished, err := c.store.ListFinishedSince(ctx, c.archivedSince)
	if err != nil {
		return err
	}

	clean := true
	for _, exec := range finished {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := c.archive.Get(ctx, exec.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, report.ErrNotArchived) {
			c.logger.Warn("failed to look up report", "execution_id", exec.ID, "error", err)
			clean = false
			continue
		}
		if err := c.saveReport(ctx, exec); err != nil {
			c.logger.Warn("failed to archive report", "execution_id", exec.ID, "error", err)
			clean = false
			continue
		}
		c.logger.Info("archived report of finished execution", "execution_id", exec.ID, "status", exec.Status)
	}

	if clean {
		// Completion times come from other processes; keep an overlap.
		margin := c.config.SweepInterval
		if margin < time.Minute {
			margin = time.Minute
		}
		c.archivedSince = start.Add(-margin)
	}
	return nil
}

// reclaimed handles a job whose lease lapsed and which is queued again.
func (c *Coordinator) reclaimed(ctx context.Context, job *store.Job) {
	exec, err := c.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return
	}
	log := c.logger.With("execution_id", exec.ID, "job_id", job.ID, "reclaims", job.Reclaims)

	if exec.CancelRequested || job.Reclaims > exec.Policy.MaxRetriesFor(job.TestCaseID) {
		if _, err := c.store.AbandonJob(ctx, job.ID, store.JobStatusQueued, store.FailureInfra, reasonLeaseExpired); err == nil {
			c.metrics.Abandoned(ctx, string(store.FailureInfra))
			log.Info("job abandoned after lease expiry")
		}
		return
	}
	log.Info("lease expired, job requeued")
	c.publish(ctx, job)
}

func (c *Coordinator) sweepExecution(ctx context.Context, exec *store.Execution) {
	exec = c.checkDeadline(ctx, exec)

	jobs, err := c.store.ListJobs(ctx, exec.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to list jobs", "execution_id", exec.ID, "error", err)
		}
		return
	}
	for _, j := range jobs {
		switch {
		case j.Status == store.JobStatusFailed:
			// The outcome event was lost with the worker that recorded it.
			c.decide(ctx, exec, j)
		case j.Status == store.JobStatusQueued && exec.CancelRequested:
			if _, err := c.store.AbandonJob(ctx, j.ID, store.JobStatusQueued, store.FailureCancelled, exec.CancelReason); err == nil {
				c.metrics.Abandoned(ctx, string(store.FailureCancelled))
			}
		case j.Status == store.JobStatusQueued && j.Reclaims > exec.Policy.MaxRetriesFor(j.TestCaseID):
			if _, err := c.store.AbandonJob(ctx, j.ID, store.JobStatusQueued, store.FailureInfra, reasonLeaseExpired); err == nil {
				c.metrics.Abandoned(ctx, string(store.FailureInfra))
			}
		}
	}

	c.tryFinish(ctx, exec.ID)
	c.notify(ctx, exec.ID)
}
