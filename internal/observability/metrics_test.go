package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitMetrics(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if handler == nil {
		t.Fatal("expected handler to be non-nil")
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	// Smoke test: verify handler returns 200 and non-empty body
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.Len() == 0 {
		t.Error("handler returned empty body")
	}
}

func TestInitMetrics_CustomMetricAppearsInOutput(t *testing.T) {
	ctx := context.Background()

	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	// Create a custom counter using the global MeterProvider
	meter := otel.Meter("test-meter")
	counter, err := meter.Int64Counter("test_custom_counter")
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}

	// Increment the counter
	counter.Add(ctx, 42)

	// Scrape metrics and verify our custom metric appears
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()

	// Verify the custom metric appears in Prometheus format
	if !strings.Contains(body, "test_custom_counter") {
		t.Errorf("expected custom metric 'test_custom_counter' in output, got:\n%s", body)
	}

	// Verify the value is present (Prometheus format: metric_name{labels} value)
	if !strings.Contains(body, "42") {
		t.Errorf("expected value '42' in output, got:\n%s", body)
	}
}

func TestInstruments_Exported(t *testing.T) {
	ctx := context.Background()

	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	in, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments failed: %v", err)
	}
	in.JobClaimed(ctx, "transport")
	in.JobCompleted(ctx, "succeeded", 0.25)
	in.Retried(ctx)
	in.Abandoned(ctx, "infra_error")
	in.Conflict(ctx, "claim")
	in.ExecutionStarted(ctx)
	in.ExecutionFinished(ctx, "completed")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, name := range []string{
		"suiteplane_jobs_claimed",
		"suiteplane_jobs_completed",
		"suiteplane_jobs_retried",
		"suiteplane_jobs_abandoned",
		"suiteplane_store_conflicts",
		"suiteplane_executions_started",
		"suiteplane_executions_finished",
		"suiteplane_job_duration",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in output", name)
		}
	}
	if !strings.Contains(body, `kind="infra_error"`) {
		t.Errorf("expected kind label in output, got:\n%s", body)
	}
}

func TestInstruments_NilIsNoop(t *testing.T) {
	var in *Instruments
	in.JobClaimed(context.Background(), "poll")
	in.ExecutionFinished(context.Background(), "failed")
}

func TestRegisterGauge(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer shutdown(context.Background())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = RegisterGauge("suiteplane_test_open", "Open things", time.Second, log, func(ctx context.Context) (int64, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("RegisterGauge failed: %v", err)
	}
	err = RegisterGauge("suiteplane_test_broken", "Broken things", time.Second, log, func(ctx context.Context) (int64, error) {
		return 0, errors.New("connection refused")
	})
	if err != nil {
		t.Fatalf("RegisterGauge failed: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	observed := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "suiteplane_test_open") && strings.HasSuffix(line, " 7") {
			observed = true
		}
	}
	if !observed {
		t.Errorf("expected the gauge value in output, got:\n%s", body)
	}
	if strings.Contains(body, "suiteplane_test_broken{") {
		t.Errorf("a failed read must not be observed")
	}
}

func TestRegisterGauge_SlowReadIsBounded(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer shutdown(context.Background())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	err = RegisterGauge("suiteplane_test_slow", "Slow things", 50*time.Millisecond, log, func(ctx context.Context) (int64, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(30 * time.Second):
			return 1, nil
		}
	})
	if err != nil {
		t.Fatalf("RegisterGauge failed: %v", err)
	}

	start := time.Now()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("scrape took %s, the read was not bounded", elapsed)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}
