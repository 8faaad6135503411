// Package api exposes the HTTP control surface for the resolver service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forumvine/linkresolver/internal/config"
	"github.com/forumvine/linkresolver/internal/metrics"
	"github.com/forumvine/linkresolver/internal/resolver"
)

// RunController is the slice of the scheduler the API needs.
type RunController interface {
	Start(ctx context.Context) (string, error)
	Abort()
}

// StatusReader returns the latest published snapshot.
type StatusReader interface {
	Latest() resolver.Snapshot
}

// Automation triggers the remote extractor script.
type Automation interface {
	RunScript(ctx context.Context) (string, error)
	ClearDrive(ctx context.Context) (string, error)
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router     chi.Router
	runs       RunController
	status     StatusReader
	automation Automation
	history    resolver.RunStore
	logger     *zap.Logger
	cfg        config.Config
}

// NewServer constructs a Server with middleware and routes. history may be
// nil when run records are not persisted.
func NewServer(
	runs RunController,
	status StatusReader,
	automation Automation,
	history resolver.RunStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:       runs,
		status:     status,
		automation: automation,
		history:    history,
		logger:     logger,
		cfg:        cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/run", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Post("/abort", s.abortRun)
			r.Get("/status", s.runStatus)
		})
		r.Get("/runs/{run_id}", s.getRun)
		r.Route("/script", func(r chi.Router) {
			r.Post("/run", s.runScript)
			r.Post("/clear", s.clearDrive)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runs.Start(r.Context())
	if err != nil {
		if errors.Is(err, resolver.ErrRunActive) {
			writeError(w, http.StatusConflict, "a run is already active")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) abortRun(w http.ResponseWriter, _ *http.Request) {
	s.runs.Abort()
	writeJSON(w, http.StatusOK, map[string]string{"status": "abort requested"})
}

func (s *Server) runStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Latest())
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	runID := chi.URLParam(r, "run_id")
	rec, err := s.history.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, resolver.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runRecordResponse(rec))
}

func (s *Server) runScript(w http.ResponseWriter, r *http.Request) {
	out, err := s.automation.RunScript(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) clearDrive(w http.ResponseWriter, r *http.Request) {
	out, err := s.automation.ClearDrive(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

type runRecordPayload struct {
	ID         string    `json:"id"`
	Phase      string    `json:"phase"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Resolved   []string  `json:"resolved"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func runRecordResponse(rec resolver.RunRecord) runRecordPayload {
	resolved := rec.Resolved
	if resolved == nil {
		resolved = []string{}
	}
	return runRecordPayload{
		ID:         rec.ID,
		Phase:      string(rec.Phase),
		Total:      rec.Total,
		Completed:  rec.Completed,
		Resolved:   resolved,
		Error:      rec.ErrorText,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
