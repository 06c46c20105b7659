package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/runstore"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/stage"
	"github.com/vk/stagegrid/internal/trigger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stageView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Order     int      `json:"order"`
	Requires  []string `json:"requires,omitempty"`
	Producers []string `json:"producers,omitempty"`
	Steps     []string `json:"steps"`
}

// handleListStages handles GET /api/v1/stages. Stages are listed in
// execution order.
func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	defs := s.sched.Stages()
	out := make([]stageView, 0, len(defs))
	for i, d := range defs {
		v := stageView{ID: d.ID, Name: d.Name, Order: i, Requires: d.Requires, Steps: make([]string, 0, len(d.Steps))}
		seen := make(map[string]struct{})
		for _, dep := range d.Dependencies {
			if _, ok := seen[dep.Stage]; !ok {
				seen[dep.Stage] = struct{}{}
				v.Producers = append(v.Producers, dep.Stage)
			}
		}
		for _, st := range d.Steps {
			v.Steps = append(v.Steps, st.Name)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	Branch   string            `json:"branch"`
	Revision string            `json:"revision"`
	Params   map[string]string `json:"params"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

// handleSubmit handles POST /api/v1/stages/{stage}/runs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.sched.Submit(r.Context(), chi.URLParam(r, "stage"), run.Trigger{
		Kind:     run.TriggerManual,
		Branch:   req.Branch,
		Revision: req.Revision,
		Params:   req.Params,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{RunID: id})
}

// handleStageArtifacts handles GET /api/v1/stages/{stage}/artifacts. The
// optional run query parameter selects a specific run instead of the last
// successful one.
func (s *Server) handleStageArtifacts(w http.ResponseWriter, r *http.Request) {
	sel := stage.Selection{Kind: stage.LastSuccessful}
	if id := r.URL.Query().Get("run"); id != "" {
		sel = stage.Selection{Kind: stage.SpecificRun, RunID: id}
	}
	files, err := s.sched.Fetch(r.Context(), chi.URLParam(r, "stage"), sel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleListRuns handles GET /api/v1/runs?stage=&status=a,b&limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := runstore.Filter{Stage: q.Get("stage")}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(st))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	runs, err := s.sched.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun handles GET /api/v1/runs/{run}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := s.sched.Get(r.Context(), chi.URLParam(r, "run"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// handleCancel handles POST /api/v1/runs/{run}/cancel. The response carries
// the run as stored after cancellation.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run")
	if err := s.sched.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	rn, err := s.sched.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.List())
}

// handleRegisterAgent handles POST /api/v1/agents.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var info agent.Info
	if err := decodeJSON(r, &info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	a, err := s.agents.Register(info)
	switch {
	case errors.Is(err, agent.ErrAttached):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Heartbeat(chi.URLParam(r, "agent")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	err := s.agents.Deregister(chi.URLParam(r, "agent"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, agent.ErrUnknownAgent):
		s.fail(w, r, err)
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

type changeRequest struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision"`
}

// handleSourceChange handles POST /api/v1/sources/{source}/changes, the
// webhook alternative to polling. It answers with the submissions fired.
func (s *Server) handleSourceChange(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil {
		writeError(w, http.StatusNotFound, "source triggers are not enabled")
		return
	}
	var req changeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Branch == "" || req.Revision == "" {
		writeError(w, http.StatusBadRequest, "branch and revision are required")
		return
	}
	subs := s.sources.HandleSourceChange(r.Context(), source.Change{
		Source:   chi.URLParam(r, "source"),
		Branch:   req.Branch,
		Revision: req.Revision,
	})
	if subs == nil {
		subs = []trigger.Submission{}
	}
	writeJSON(w, http.StatusAccepted, subs)
}
