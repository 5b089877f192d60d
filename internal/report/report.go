// Package report builds the final per-test-case report of an execution and
// archives it in SQLite so it outlives the job store's retention window.
package report

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"suiteplane/internal/store"
)

// Case outcomes in a report.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeErrored = "errored"
	OutcomePending = "pending"
)

// Report summarizes an execution.
type Report struct {
	ExecutionID uuid.UUID             `json:"execution_id"`
	SuiteID     string                `json:"suite_id"`
	Name        string                `json:"name,omitempty"`
	Environment string                `json:"environment,omitempty"`
	Trigger     store.Trigger         `json:"trigger"`
	Status      store.ExecutionStatus `json:"status"`
	Reason      string                `json:"reason,omitempty"`
	Counts      store.Counts          `json:"counts"`
	PassRate    float64               `json:"pass_rate"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	DurationMs  int64                 `json:"duration_ms"`
	Cases       []Case                `json:"cases"`
}

// Case is the final state of one test case lineage.
type Case struct {
	TestCaseID  string            `json:"test_case_id"`
	Position    int               `json:"position"`
	Outcome     string            `json:"outcome"`
	Status      store.JobStatus   `json:"status"`
	FailureKind store.FailureKind `json:"failure_kind,omitempty"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	Result      json.RawMessage   `json:"result,omitempty"`
}

// Build derives a report from an execution and all of its jobs.
func Build(exec *store.Execution, jobs []*store.Job) *Report {
	r := &Report{
		ExecutionID: exec.ID,
		SuiteID:     exec.SuiteID,
		Name:        exec.Name,
		Environment: exec.Environment,
		Trigger:     exec.Trigger,
		Status:      exec.Status,
		Reason:      exec.Reason,
		Counts:      exec.Counts,
		PassRate:    exec.Counts.PassRate(),
		CreatedAt:   exec.CreatedAt,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		Cases:       []Case{},
	}
	if exec.CompletedAt != nil {
		r.DurationMs = exec.CompletedAt.Sub(exec.CreatedAt).Milliseconds()
	}

	byCase := make(map[string]*Case)
	latest := make(map[string]*store.Job)
	for _, j := range jobs {
		c, ok := byCase[j.TestCaseID]
		if !ok {
			c = &Case{TestCaseID: j.TestCaseID, Position: j.Position}
			byCase[j.TestCaseID] = c
		}
		if j.StartedAt != nil && j.FinishedAt != nil {
			c.DurationMs += j.FinishedAt.Sub(*j.StartedAt).Milliseconds()
		}
		if prev, ok := latest[j.TestCaseID]; !ok || j.Attempt > prev.Attempt {
			latest[j.TestCaseID] = j
		}
	}

	for id, c := range byCase {
		j := latest[id]
		c.Attempts = j.Attempt
		c.Status = j.Status
		c.FailureKind = j.FailureKind
		c.LastError = j.LastError
		c.Result = j.Result
		c.Outcome = outcome(j)
		r.Cases = append(r.Cases, *c)
	}
	sort.Slice(r.Cases, func(a, b int) bool { return r.Cases[a].Position < r.Cases[b].Position })
	return r
}

func outcome(j *store.Job) string {
	switch j.Status {
	case store.JobStatusSucceeded:
		return OutcomePassed
	case store.JobStatusAbandoned:
		if j.FailureKind.CountsAsFailed() {
			return OutcomeFailed
		}
		return OutcomeErrored
	default:
		return OutcomePending
	}
}
