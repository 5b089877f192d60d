// Package store contains the persistence layer for suiteplane.
package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// JobStatus represents the state of a single test-case attempt.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusAbandoned JobStatus = "abandoned"
)

// Terminal reports whether the job record is closed. A retrying job is closed
// because its lineage continues in the successor.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusRetrying, JobStatusAbandoned:
		return true
	}
	return false
}

// FailureKind classifies why an attempt did not succeed.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureAssertion        FailureKind = "assertion_failure"
	FailureInfra            FailureKind = "infra_error"
	FailureCancelled        FailureKind = "cancelled"
	FailureStoreUnavailable FailureKind = "store_unavailable"
)

// Trigger records how an execution was requested.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerCICD      Trigger = "ci_cd"
	TriggerAPI       Trigger = "api"
	TriggerWebhook   Trigger = "webhook"
)

// ReasonDeadlineExceeded is the cancel and terminal reason used when an
// execution runs past its deadline.
const ReasonDeadlineExceeded = "deadline exceeded"

// Policy controls retries, timeouts and how partial failure is reported.
type Policy struct {
	MaxRetries             int            `json:"max_retries"`
	TestCaseMaxRetries     map[string]int `json:"test_case_max_retries,omitempty"`
	BackoffBase            time.Duration  `json:"backoff_base"`
	BackoffMax             time.Duration  `json:"backoff_max"`
	Jitter                 float64        `json:"jitter"`
	FailOnAnyFailure       bool           `json:"fail_on_any_failure"`
	RetryAssertionFailures bool           `json:"retry_assertion_failures"`
}

// MaxRetriesFor returns the retry limit for one test case.
func (p Policy) MaxRetriesFor(testCaseID string) int {
	if n, ok := p.TestCaseMaxRetries[testCaseID]; ok {
		return n
	}
	return p.MaxRetries
}

// Counts is the per-execution aggregate. Passed+Failed+Errored+Pending always equals Total.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Retried int `json:"retried"`
	Pending int `json:"pending"`
}

// Consistent checks the counts invariant.
func (c Counts) Consistent() bool {
	return c.Passed+c.Failed+c.Errored+c.Pending == c.Total && c.Pending >= 0
}

// PercentComplete is the share of test cases with a final outcome, 0..100.
// An empty suite is 100% complete.
func (c Counts) PercentComplete() float64 {
	if c.Total == 0 {
		return 100
	}
	return float64(c.Total-c.Pending) * 100 / float64(c.Total)
}

// PassRate is passed/(passed+failed) as a percentage; errored cases are left
// out. Zero when nothing has been judged yet.
func (c Counts) PassRate() float64 {
	judged := c.Passed + c.Failed
	if judged == 0 {
		return 0
	}
	return float64(c.Passed) * 100 / float64(judged)
}

// Execution represents one request to run a suite.
type Execution struct {
	ID              uuid.UUID
	SuiteID         string
	Name            string
	Environment     string
	Trigger         Trigger
	Status          ExecutionStatus
	Counts          Counts
	Policy          Policy
	Deadline        *time.Time
	CancelRequested bool
	CancelReason    string
	Reason          string
	Version         int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// DeadlinePassed reports whether the execution deadline is set and before now.
func (e *Execution) DeadlinePassed(now time.Time) bool {
	return e.Deadline != nil && !now.Before(*e.Deadline)
}

// Job is one attempt of one test case within an execution.
type Job struct {
	ID            uuid.UUID
	ExecutionID   uuid.UUID
	TestCaseID    string
	Position      int
	Attempt       int
	PreviousJobID *uuid.UUID
	Status        JobStatus
	FailureKind   FailureKind
	Result        json.RawMessage
	LastError     string
	LeaseOwner    string
	LeaseUntil    *time.Time
	Reclaims      int
	VisibleAfter  time.Time
	Deadline      *time.Time
	EnqueuedAt    time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Outcome is what a worker reports for the attempt it holds.
type Outcome struct {
	Succeeded bool
	Kind      FailureKind
	Result    json.RawMessage
	Error     string
}

// JobID derives the id of a test case attempt. The same execution, test case
// and attempt always map to the same id, so re-expanding a suite or re-issuing
// a retry cannot create a second record.
func JobID(executionID uuid.UUID, testCaseID string, attempt int) uuid.UUID {
	return uuid.NewSHA1(executionID, []byte(testCaseID+"#"+strconv.Itoa(attempt)))
}

// CountsAsFailed reports whether an abandoned job of this kind is counted as a
// test failure. Every other kind is counted as errored.
func (k FailureKind) CountsAsFailed() bool {
	return k == FailureAssertion
}
