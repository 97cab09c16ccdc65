package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/cors"

	"github.com/meshcompute/meshd/internal/core/domain"
)

// Server exposes the read-only status API over HTTP. It never mutates
// anything; the engines own all writes.
type Server struct {
	logger *slog.Logger
	jobs   interface {
		GetJob(ctx context.Context, id domain.JobID) (domain.JobRecord, error)
		ListJobs(ctx context.Context, limit int) ([]domain.JobRecord, error)
	}
	agents interface {
		GetAgentState(ctx context.Context, id domain.AgentID) (domain.AgentState, error)
		ListTrajectories(ctx context.Context, id domain.AgentID, limit int) ([]domain.TrajectoryRecord, error)
	}
}

func NewServer(
	logger *slog.Logger,
	jobs interface {
		GetJob(ctx context.Context, id domain.JobID) (domain.JobRecord, error)
		ListJobs(ctx context.Context, limit int) ([]domain.JobRecord, error)
	},
	agents interface {
		GetAgentState(ctx context.Context, id domain.AgentID) (domain.AgentState, error)
		ListTrajectories(ctx context.Context, id domain.AgentID, limit int) ([]domain.TrajectoryRecord, error)
	}) *Server {
	return &Server{logger: logger, jobs: jobs, agents: agents}
}

// Handler returns the http.Handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/jobs", s.handleListJobs)
	mux.HandleFunc("/v1/jobs/", s.handleGetJob)
	mux.HandleFunc("/v1/agents/", s.handleAgent)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// GET /v1/healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /v1/jobs?limit=100
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	jobs, err := s.jobs.ListJobs(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing jobs failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []domain.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.GetJob(r.Context(), domain.JobID(id))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.logger.Error("loading job failed", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /v1/agents/{id} and GET /v1/agents/{id}/trajectories
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/agents/")

	if id, ok := strings.CutSuffix(rest, "/trajectories"); ok {
		s.handleTrajectories(w, r, domain.AgentID(id))
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	state, err := s.agents.GetAgentState(r.Context(), domain.AgentID(rest))
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		s.logger.Error("loading agent state failed", "agent_id", rest, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       state,
		"runway_days": state.RunwayDays(),
	})
}

func (s *Server) handleTrajectories(w http.ResponseWriter, r *http.Request, id domain.AgentID) {
	if id == "" {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	trajs, err := s.agents.ListTrajectories(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("listing trajectories failed", "agent_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if trajs == nil {
		trajs = []domain.TrajectoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trajectories": trajs, "count": len(trajs)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
