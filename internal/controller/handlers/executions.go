package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"suiteplane/internal/coordinator"
	"suiteplane/internal/progress"
	"suiteplane/internal/store"
	"suiteplane/pkg/api"
)

// StartExecution handles POST /executions.
// Expands the suite and queues one job per test case.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req api.StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SuiteID == "" {
		h.httpError(w, "suite_id is required", http.StatusBadRequest)
		return
	}
	trigger, err := parseTrigger(req.Trigger)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	policy, err := toPolicy(req.Policy)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.engine.Start(r.Context(), coordinator.StartRequest{
		SuiteID:     req.SuiteID,
		Name:        req.Name,
		Environment: req.Environment,
		Trigger:     trigger,
		Policy:      policy,
	})
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/executions/"+id.String())
	h.respondJson(w, http.StatusCreated, api.StartExecutionResponse{ExecutionID: id.String()})
}

// GetExecution handles GET /executions/{id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}
	exec, err := h.engine.Status(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toExecutionResponse(exec))
}

// CancelExecution handles POST /executions/{id}/cancel.
// Queued jobs are abandoned at once; running jobs finish on their own.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}
	exec, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, toExecutionResponse(exec))
}

// ListJobs handles GET /executions/{id}/jobs.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}
	jobs, err := h.engine.Jobs(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetReport handles GET /executions/{id}/report.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := h.executionID(w, r)
	if !ok {
		return
	}
	rep, err := h.engine.Report(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, rep)
}

func parseTrigger(s string) (store.Trigger, error) {
	switch t := store.Trigger(s); t {
	case "":
		return store.TriggerAPI, nil
	case store.TriggerManual, store.TriggerScheduled, store.TriggerCICD, store.TriggerAPI, store.TriggerWebhook:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

func toPolicy(p api.PolicyRequest) (coordinator.Policy, error) {
	out := coordinator.Policy{
		MaxRetries:             p.MaxRetries,
		TestCaseMaxRetries:     p.TestCaseMaxRetries,
		Jitter:                 p.Jitter,
		Deadline:               p.Deadline,
		FailOnAnyFailure:       p.FailOnAnyFailure,
		RetryAssertionFailures: p.RetryAssertionFailures,
	}
	if p.MaxRetries != nil && *p.MaxRetries < 0 {
		return out, fmt.Errorf("max_retries must not be negative")
	}
	for tc, n := range p.TestCaseMaxRetries {
		if n < 0 {
			return out, fmt.Errorf("max_retries for %q must not be negative", tc)
		}
	}
	if p.Jitter != nil && (*p.Jitter < 0 || *p.Jitter > 1) {
		return out, fmt.Errorf("jitter must be between 0 and 1")
	}

	var err error
	if out.BackoffBase, err = parseDuration("backoff_base", p.BackoffBase); err != nil {
		return out, err
	}
	if out.BackoffMax, err = parseDuration("backoff_max", p.BackoffMax); err != nil {
		return out, err
	}
	if out.Timeout, err = parseDuration("timeout", p.Timeout); err != nil {
		return out, err
	}
	return out, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, s)
	}
	return d, nil
}

func toCounts(c store.Counts) api.Counts {
	return api.Counts{
		Total:   c.Total,
		Passed:  c.Passed,
		Failed:  c.Failed,
		Errored: c.Errored,
		Retried: c.Retried,
		Pending: c.Pending,
	}
}

func toExecutionResponse(e *store.Execution) api.ExecutionResponse {
	reason := e.Reason
	if reason == "" && e.CancelRequested {
		reason = e.CancelReason
	}
	return api.ExecutionResponse{
		ID:              e.ID.String(),
		SuiteID:         e.SuiteID,
		Name:            e.Name,
		Environment:     e.Environment,
		Trigger:         string(e.Trigger),
		Status:          string(e.Status),
		Counts:          toCounts(e.Counts),
		PercentComplete: e.Counts.PercentComplete(),
		PassRate:        e.Counts.PassRate(),
		CancelRequested: e.CancelRequested,
		Reason:          reason,
		Deadline:        e.Deadline,
		Version:         e.Version,
		CreatedAt:       e.CreatedAt,
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
	}
}

func toJobResponse(j *store.Job) api.JobResponse {
	resp := api.JobResponse{
		ID:          j.ID.String(),
		TestCaseID:  j.TestCaseID,
		Position:    j.Position,
		Attempt:     j.Attempt,
		Status:      string(j.Status),
		FailureKind: string(j.FailureKind),
		LastError:   j.LastError,
		LeaseOwner:  j.LeaseOwner,
		Reclaims:    j.Reclaims,
		Result:      j.Result,
		EnqueuedAt:  j.EnqueuedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.PreviousJobID != nil {
		resp.PreviousJobID = j.PreviousJobID.String()
	}
	return resp
}

func toSnapshot(s progress.Snapshot) api.Snapshot {
	return api.Snapshot{
		ExecutionID:     s.ExecutionID.String(),
		Status:          string(s.Status),
		Counts:          toCounts(s.Counts),
		Total:           s.Total,
		PercentComplete: s.PercentComplete,
		PassRate:        s.PassRate,
		CancelRequested: s.CancelRequested,
		Reason:          s.Reason,
		Version:         s.Version,
		UpdatedAt:       s.UpdatedAt,
		Terminal:        s.Terminal,
	}
}
