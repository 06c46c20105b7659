// Package api serves the operator HTTP API: stage and run status, manual
// submission and cancellation, agent registration and source webhooks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/runstore"
	"github.com/vk/stagegrid/internal/scheduler"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/stage"
	"github.com/vk/stagegrid/internal/trigger"
)

// Scheduler is the part of *scheduler.Scheduler the API uses.
type Scheduler interface {
	Stages() []stage.Definition
	Submit(ctx context.Context, stageID string, trigger run.Trigger) (string, error)
	Cancel(ctx context.Context, runID string) error
	Get(ctx context.Context, runID string) (run.Run, error)
	List(ctx context.Context, f runstore.Filter) ([]run.Run, error)
	Fetch(ctx context.Context, stageID string, selection stage.Selection) ([]artifact.File, error)
}

// Agents is the part of *agent.Registry the API uses.
type Agents interface {
	Register(info agent.Info) (agent.Agent, error)
	Heartbeat(id string) error
	Deregister(id string) error
	List() []agent.Agent
}

// Sources receives source change notifications. *trigger.Engine
// implements it.
type Sources interface {
	HandleSourceChange(ctx context.Context, c source.Change) []trigger.Submission
}

// Server holds the API dependencies.
type Server struct {
	sched   Scheduler
	agents  Agents
	sources Sources
	logger  *slog.Logger
}

// New creates the API server. sources may be nil, in which case the webhook
// endpoint answers 404.
func New(sched Scheduler, agents Agents, sources Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{sched: sched, agents: agents, sources: sources, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logging)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stages", s.handleListStages)
		r.Post("/stages/{stage}/runs", s.handleSubmit)
		r.Get("/stages/{stage}/artifacts", s.handleStageArtifacts)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{run}", s.handleGetRun)
		r.Post("/runs/{run}/cancel", s.handleCancel)

		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleRegisterAgent)
		r.Post("/agents/{agent}/heartbeat", s.handleHeartbeat)
		r.Delete("/agents/{agent}", s.handleDeregisterAgent)

		r.Post("/sources/{source}/changes", s.handleSourceChange)
	})
	return r
}

// logging attaches a request-scoped logger to the context and logs each
// request once it completes.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.With("request_id", middleware.GetReqID(r.Context()))
		ctx := ctxlog.WithLogger(r.Context(), logger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "HTTP request served.",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// decodeJSON decodes an optional request body. An empty body leaves target
// untouched.
func decodeJSON(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var unresolved *scheduler.UnresolvedDependencyError
	switch {
	case errors.As(err, &unresolved):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrUnknownStage),
		errors.Is(err, scheduler.ErrRunNotFound),
		errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrConcurrencyLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrRunFinished):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ctxlog.FromContext(r.Context()).Error("Request failed.", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
