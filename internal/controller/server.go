// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"suiteplane/internal/controller/handlers"
	"suiteplane/internal/controller/middleware"
)

// Options tunes the HTTP front of the controller.
type Options struct {
	AllowedOrigins []string
	// RateLimit is requests per second per client; 0 disables throttling.
	RateLimit float64
	Burst     int
	// Metrics, when set, is served on /metrics outside the rate limit.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      Routes(h, opts),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Routes builds the full handler tree: API routes behind the rate limiter,
// health checks and metrics beside them, all wrapped in CORS and request logging.
func Routes(h *handlers.Handlers, opts Options) http.Handler {
	limit := middleware.NewRateLimiter(opts.RateLimit, opts.Burst).Middleware()

	api := http.NewServeMux()
	api.HandleFunc("POST /executions", h.StartExecution)
	api.HandleFunc("GET /executions/{id}", h.GetExecution)
	api.HandleFunc("POST /executions/{id}/cancel", h.CancelExecution)
	api.HandleFunc("GET /executions/{id}/jobs", h.ListJobs)
	api.HandleFunc("GET /executions/{id}/report", h.GetReport)
	api.HandleFunc("GET /executions/{id}/progress", h.GetProgress)
	api.HandleFunc("GET /executions/{id}/events", h.StreamEvents)
	api.HandleFunc("GET /executions/{id}/ws", h.StreamWebSocket)
	api.HandleFunc("GET /reports", h.ListReports)

	mux := http.NewServeMux()
	mux.Handle("/", limit(api))
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{"Location", middleware.RequestIDHeader},
	})

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return middleware.RequestLog(log)(c.Handler(mux))
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
