package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"suiteplane/pkg/api"
)

// SuiteClient handles API calls to the suiteplane controller.
type SuiteClient struct {
	BaseURL    string
	HTTPClient *http.Client
	// StreamClient is used for event streams and has no overall timeout.
	StreamClient *http.Client
}

// NewSuiteClient creates a new client for the given base URL.
func NewSuiteClient(baseURL string) *SuiteClient {
	return &SuiteClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// do sends a JSON request and decodes a JSON response into out.
func (c *SuiteClient) do(ctx context.Context, method, path string, in, out any, expect ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if len(expect) == 0 {
		expect = []int{http.StatusOK}
	}
	ok := false
	for _, code := range expect {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// StartExecution sends POST /executions.
func (c *SuiteClient) StartExecution(ctx context.Context, req api.StartExecutionRequest) (*api.StartExecutionResponse, error) {
	var result api.StartExecutionResponse
	if err := c.do(ctx, http.MethodPost, "/executions", req, &result, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetExecution sends GET /executions/{id}.
func (c *SuiteClient) GetExecution(ctx context.Context, executionID string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelExecution sends POST /executions/{id}/cancel.
func (c *SuiteClient) CancelExecution(ctx context.Context, executionID string) (*api.ExecutionResponse, error) {
	var result api.ExecutionResponse
	path := "/executions/" + url.PathEscape(executionID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, &result, http.StatusAccepted, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs sends GET /executions/{id}/jobs.
func (c *SuiteClient) ListJobs(ctx context.Context, executionID string) ([]api.JobResponse, error) {
	var result api.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/jobs", nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// ListReports sends GET /reports.
func (c *SuiteClient) ListReports(ctx context.Context, suiteID string, limit int) ([]api.ReportSummary, error) {
	q := url.Values{}
	if suiteID != "" {
		q.Set("suite_id", suiteID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/reports"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var result []api.ReportSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Watch follows GET /executions/{id}/events and calls fn for every snapshot.
// It returns the last snapshot once the server ends the stream.
func (c *SuiteClient) Watch(ctx context.Context, executionID string, fn func(api.Snapshot)) (*api.Snapshot, error) {
	endpoint := c.BaseURL + "/executions/" + url.PathEscape(executionID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var last *api.Snapshot
	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == api.EventSnapshot:
			var s api.Snapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
				return last, fmt.Errorf("failed to parse event: %w", err)
			}
			last = &s
			if fn != nil {
				fn(s)
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return last, fmt.Errorf("stream interrupted: %w", err)
	}
	if last == nil {
		return nil, errors.New("stream ended without a snapshot")
	}
	return last, ctx.Err()
}
