// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// PolicyRequest overrides the configured retry and timeout defaults for one
// execution. Durations use Go syntax ("30s", "5m").
type PolicyRequest struct {
	MaxRetries             *int           `json:"max_retries,omitempty"`
	TestCaseMaxRetries     map[string]int `json:"test_case_max_retries,omitempty"`
	BackoffBase            string         `json:"backoff_base,omitempty"`
	BackoffMax             string         `json:"backoff_max,omitempty"`
	Jitter                 *float64       `json:"jitter,omitempty"`
	Timeout                string         `json:"timeout,omitempty"`
	Deadline               *time.Time     `json:"deadline,omitempty"`
	FailOnAnyFailure       bool           `json:"fail_on_any_failure,omitempty"`
	RetryAssertionFailures bool           `json:"retry_assertion_failures,omitempty"`
}

// StartExecutionRequest is the request body for running a suite.
type StartExecutionRequest struct {
	SuiteID     string        `json:"suite_id"`
	Name        string        `json:"name,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Trigger     string        `json:"trigger,omitempty"`
	Policy      PolicyRequest `json:"policy"`
}

// StartExecutionResponse is the response body after starting an execution.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Counts is the per-execution aggregate.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Retried int `json:"retried"`
	Pending int `json:"pending"`
}

// ExecutionResponse represents an execution in API responses.
type ExecutionResponse struct {
	ID              string     `json:"id"`
	SuiteID         string     `json:"suite_id"`
	Name            string     `json:"name,omitempty"`
	Environment     string     `json:"environment,omitempty"`
	Trigger         string     `json:"trigger"`
	Status          string     `json:"status"`
	Counts          Counts     `json:"counts"`
	PercentComplete float64    `json:"percent_complete"`
	PassRate        float64    `json:"pass_rate"`
	CancelRequested bool       `json:"cancel_requested"`
	Reason          string     `json:"reason,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobResponse represents one attempt of one test case.
type JobResponse struct {
	ID            string          `json:"id"`
	TestCaseID    string          `json:"test_case_id"`
	Position      int             `json:"position"`
	Attempt       int             `json:"attempt"`
	PreviousJobID string          `json:"previous_job_id,omitempty"`
	Status        string          `json:"status"`
	FailureKind   string          `json:"failure_kind,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LeaseOwner    string          `json:"lease_owner,omitempty"`
	Reclaims      int             `json:"reclaims"`
	Result        json.RawMessage `json:"result,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// ListJobsResponse is the response body for GET /executions/{id}/jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// Snapshot is one progress event, as sent over SSE and WebSocket.
type Snapshot struct {
	ExecutionID     string    `json:"execution_id"`
	Status          string    `json:"status"`
	Counts          Counts    `json:"counts"`
	Total           int       `json:"total"`
	PercentComplete float64   `json:"percent_complete"`
	PassRate        float64   `json:"pass_rate"`
	CancelRequested bool      `json:"cancel_requested"`
	Reason          string    `json:"reason,omitempty"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
	Terminal        bool      `json:"terminal"`
}

// ReportSummary is one archived report in GET /reports.
type ReportSummary struct {
	ExecutionID string    `json:"execution_id"`
	SuiteID     string    `json:"suite_id"`
	Status      string    `json:"status"`
	PassRate    float64   `json:"pass_rate"`
	CompletedAt time.Time `json:"completed_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Event names used on the SSE stream.
const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)
