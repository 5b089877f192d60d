package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"suiteplane/internal/coordinator"
	"suiteplane/internal/progress"
	"suiteplane/internal/report"
	"suiteplane/internal/store"
	"suiteplane/internal/suite"
	"suiteplane/pkg/api"
)

// Mock engine
type mockEngine struct {
	startID  uuid.UUID
	startErr error

	statusResp *store.Execution
	statusErr  error
	cancelResp *store.Execution
	cancelErr  error
	jobsResp   []*store.Job
	jobsErr    error
	reportResp *report.Report
	reportErr  error

	// Spies (to verify arguments passed by handlers)
	capturedStart *coordinator.StartRequest
	capturedID    uuid.UUID
}

func (m *mockEngine) Start(ctx context.Context, req coordinator.StartRequest) (uuid.UUID, error) {
	m.capturedStart = &req
	return m.startID, m.startErr
}

func (m *mockEngine) Cancel(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	m.capturedID = id
	return m.cancelResp, m.cancelErr
}

func (m *mockEngine) Status(ctx context.Context, id uuid.UUID) (*store.Execution, error) {
	m.capturedID = id
	return m.statusResp, m.statusErr
}

func (m *mockEngine) Jobs(ctx context.Context, id uuid.UUID) ([]*store.Job, error) {
	m.capturedID = id
	return m.jobsResp, m.jobsErr
}

func (m *mockEngine) Report(ctx context.Context, id uuid.UUID) (*report.Report, error) {
	m.capturedID = id
	return m.reportResp, m.reportErr
}

// Mock progress publisher
type mockProgress struct {
	latest       progress.Snapshot
	latestErr    error
	snapshots    []progress.Snapshot
	subscribeErr error
}

func (m *mockProgress) Latest(ctx context.Context, id uuid.UUID) (progress.Snapshot, error) {
	return m.latest, m.latestErr
}

func (m *mockProgress) Subscribe(ctx context.Context, id uuid.UUID) (<-chan progress.Snapshot, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	ch := make(chan progress.Snapshot, len(m.snapshots))
	for _, s := range m.snapshots {
		ch <- s
	}
	close(ch)
	return ch, nil
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

type mockReports struct {
	resp          []report.Summary
	err           error
	capturedSuite string
	capturedLimit int
}

func (m *mockReports) List(ctx context.Context, suiteID string, limit int) ([]report.Summary, error) {
	m.capturedSuite = suiteID
	m.capturedLimit = limit
	return m.resp, m.err
}

func newTestHandlers(e *mockEngine, p *mockProgress) *Handlers {
	if e == nil {
		e = &mockEngine{}
	}
	if p == nil {
		p = &mockProgress{}
	}
	return New(e, p, &mockPinger{})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp
}

func TestEngineErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{"Expansion Error", &coordinator.ExpansionError{SuiteID: "x", Err: suite.ErrUnknownSuite}, http.StatusUnprocessableEntity},
		{"Not Found", fmt.Errorf("execution: %w", store.ErrNotFound), http.StatusNotFound},
		{"Already Terminal", store.ErrAlreadyTerminal, http.StatusConflict},
		{"Store Unavailable", fmt.Errorf("%w: timeout", store.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"Unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandlers(nil, nil)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rr := httptest.NewRecorder()

			h.engineError(rr, req, tt.err)

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if resp := decodeError(t, rr); resp.Code != fmt.Sprint(tt.expectedStatus) {
				t.Errorf("got code %q", resp.Code)
			}
		})
	}
}
