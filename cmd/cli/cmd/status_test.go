package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"suiteplane/pkg/api"
)

func TestStatusCommand_Success(t *testing.T) {
	startTime := time.Now().Add(-10 * time.Minute)
	endTime := time.Now().Add(-9 * time.Minute)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/executions/exec-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		resp := api.ExecutionResponse{
			ID:              "exec-123",
			SuiteID:         "smoke",
			Status:          "completed",
			Counts:          api.Counts{Total: 4, Passed: 3, Failed: 1, Retried: 2},
			PercentComplete: 100,
			PassRate:        75,
			StartedAt:       &startTime,
			CompletedAt:     &endTime,
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "status", "exec-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"exec-123", "smoke", "completed", "3 passed", "1 failed", "Retried", "75.0%", "1m 0s"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
	if strings.Contains(output, "Reason:") {
		t.Errorf("expected no Reason line without a reason, got: %s", output)
	}
}

func TestStatusCommand_CancelledWithReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ExecutionResponse{
			ID:              "exec-9",
			Status:          "cancelled",
			CancelRequested: true,
			Reason:          "cancelled by request",
			Counts:          api.Counts{Total: 2, Errored: 2},
		})
	}))
	defer server.Close()

	output, err := execute(t, server.URL, "status", "exec-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "cancelled by request") {
		t.Errorf("expected reason in output, got: %s", output)
	}
	if !strings.Contains(output, "Finished:"+colorReset+"    -") {
		t.Errorf("expected empty finish time, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Execution not found", Code: "404"})
	}))
	defer server.Close()

	_, err := execute(t, server.URL, "status", "missing")
	if !IsNotFound(err) {
		t.Errorf("expected a not found error, got %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	if got := progressBar(50, 10); got != "[█████░░░░░]" {
		t.Errorf("got %q", got)
	}
	if got := progressBar(150, 4); got != "[████]" {
		t.Errorf("overflow not clamped: %q", got)
	}
	if got := progressBar(0, 4); got != "[░░░░]" {
		t.Errorf("got %q", got)
	}
}
