// Package server exposes the ranking pipeline and the feedback accessors over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/shortlist/internal/auth"
	"github.com/knoguchi/shortlist/internal/feedback"
	"github.com/knoguchi/shortlist/internal/metrics"
	"github.com/knoguchi/shortlist/internal/retrieval"
	"github.com/knoguchi/shortlist/internal/service"
)

const (
	defaultTopicLimit = 20
	maxTopicLimit     = 200
	maxBodyBytes      = 1 << 20
)

// Runner answers a query. *service.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, query string, qc service.QueryContext, k int, filters retrieval.Filters) (*service.Result, error)
}

// ReadyCheck reports whether a dependency is ready to serve.
type ReadyCheck func(ctx context.Context) error

// HTTPServer wraps an HTTP server with the pipeline routes
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	Auth           *auth.Authenticator
	Recorder       *metrics.Recorder
	ReadyChecks    map[string]ReadyCheck
}

// NewHTTPServer creates a new HTTP server serving runner and store.
func NewHTTPServer(cfg HTTPServerConfig, runner Runner, store feedback.Store) (*HTTPServer, error) {
	if runner == nil || store == nil {
		return nil, errors.New("runner and feedback store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authn := cfg.Auth
	if authn == nil {
		authn = auth.NewAuthenticator(nil, "")
	}

	router := NewRouter(runner, store, authn, cfg.Recorder, cfg.ReadyChecks, cfg.AllowedOrigins, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // synthesis may take minutes
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
	}, nil
}

// NewRouter builds the route table. It is exported for tests and embedding.
func NewRouter(runner Runner, store feedback.Store, authn *auth.Authenticator, rec *metrics.Recorder, checks map[string]ReadyCheck, origins []string, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{runner: runner, store: store, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(origins))

	router.Get("/healthz", healthCheckHandler(logger))
	router.Get("/readyz", readinessCheckHandler(checks, logger))
	router.Handle("/metrics", rec.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/run", h.run)
		r.Get("/feedback/topics", h.topics)
		r.Get("/feedback/docs/*", h.doc)
		r.Get("/feedback/routes", h.routes)
	})
	return router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// GetRouter returns the underlying chi router for additional route registration
func (s *HTTPServer) GetRouter() *chi.Mux {
	return s.router
}

// RunRequest is the body of POST /v1/run.
type RunRequest struct {
	Query   string            `json:"query"`
	K       int               `json:"k,omitempty"`
	Route   string            `json:"route,omitempty"`
	Depth   string            `json:"depth,omitempty"`
	Filters retrieval.Filters `json:"filters,omitempty"`
}

type handlers struct {
	runner Runner
	store  feedback.Store
	logger *slog.Logger
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		h.writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	depth := service.Depth(strings.ToLower(req.Depth))
	switch depth {
	case "", service.DepthNormal, service.DepthDeep:
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown depth %q", req.Depth))
		return
	}

	qc := service.QueryContext{
		UserID:      auth.UserIDFromContext(r.Context()),
		RouteSymbol: req.Route,
		Depth:       depth,
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok && qc.RouteSymbol == "" {
		qc.RouteSymbol = id.Route
	}

	res, err := h.runner.Run(r.Context(), req.Query, qc, req.K, req.Filters)
	if err != nil {
		h.logger.Error("run failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		if errors.Is(err, service.ErrSynthesis) {
			h.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handlers) topics(w http.ResponseWriter, r *http.Request) {
	n := defaultTopicLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			h.writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(v, maxTopicLimit)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"topics": h.store.TopTopics(n)})
}

// doc serves the stats of one id. Ids are note paths and may contain slashes.
func (h *handlers) doc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "document id is required")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "stats": h.store.DocStats(id)})
}

func (h *handlers) routes(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"routes": h.store.RouteStats()})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, h.logger, status, v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, h.logger, status, map[string]string{"error": msg})
}

// writeJSON encodes v before committing the status, so an unencodable body
// becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("encoding response failed", "status", status, "error", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		logger.Warn("writing response failed", "error", err)
	}
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key, X-User-ID, X-Route")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler runs every check under a short deadline.
func readinessCheckHandler(checks map[string]ReadyCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failed := make(map[string]string)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, logger, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ready"})
	}
}
