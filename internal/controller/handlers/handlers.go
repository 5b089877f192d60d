// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"suiteplane/internal/coordinator"
	"suiteplane/internal/logger"
	"suiteplane/internal/progress"
	"suiteplane/internal/report"
	"suiteplane/internal/store"
	"suiteplane/pkg/api"
)

// Engine is the inbound interface of the execution engine.
type Engine interface {
	Start(ctx context.Context, req coordinator.StartRequest) (uuid.UUID, error)
	Cancel(ctx context.Context, executionID uuid.UUID) (*store.Execution, error)
	Status(ctx context.Context, executionID uuid.UUID) (*store.Execution, error)
	Jobs(ctx context.Context, executionID uuid.UUID) ([]*store.Job, error)
	Report(ctx context.Context, executionID uuid.UUID) (*report.Report, error)
}

// Progress serves live snapshots.
type Progress interface {
	Latest(ctx context.Context, executionID uuid.UUID) (progress.Snapshot, error)
	Subscribe(ctx context.Context, executionID uuid.UUID) (<-chan progress.Snapshot, error)
}

// ReportLister lists archived reports.
type ReportLister interface {
	List(ctx context.Context, suiteID string, limit int) ([]report.Summary, error)
}

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures Handlers.
type Option func(*Handlers)

// WithReports enables GET /reports.
func WithReports(r ReportLister) Option { return func(h *Handlers) { h.reports = r } }

func WithLogger(l *slog.Logger) Option { return func(h *Handlers) { h.logger = l } }

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	engine   Engine
	progress Progress
	ready    Pinger
	reports  ReportLister
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a new Handlers instance.
func New(engine Engine, p Progress, ready Pinger, opts ...Option) *Handlers {
	h := &Handlers{
		engine:   engine,
		progress: p,
		ready:    ready,
		logger:   logger.Discard(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// engineError maps engine errors to status codes.
func (h *Handlers) engineError(w http.ResponseWriter, r *http.Request, err error) {
	var expErr *coordinator.ExpansionError
	switch {
	case errors.As(err, &expErr):
		h.httpError(w, expErr.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "Execution not found", http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyTerminal):
		h.httpError(w, "Execution already finished", http.StatusConflict)
	case errors.Is(err, store.ErrStoreUnavailable):
		h.httpError(w, "Store unavailable", http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context(), h.logger).Error("request failed", "path", r.URL.Path, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handlers) executionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid execution id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
