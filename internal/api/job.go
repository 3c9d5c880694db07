package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/b2renger/ComfyQ/internal/model"
	"github.com/b2renger/ComfyQ/internal/scheduler"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs. TimeSlot is a
// pointer so a zero epoch slot can be told apart from a missing field.
type createJobRequest struct {
	Owner    string         `json:"owner"`
	TimeSlot *int64         `json:"time_slot"`
	Prompt   string         `json:"prompt"`
	Params   map[string]any `json:"params"`
}

// reorderJobRequest is the JSON body for PUT /v1/jobs/{id}/slot.
type reorderJobRequest struct {
	TimeSlot *int64 `json:"time_slot"`
}

// listJobsResponse wraps the queue listing.
type listJobsResponse struct {
	Jobs  []model.Job `json:"jobs"`
	Total int         `json:"total"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.TimeSlot == nil {
		s.writeError(w, http.StatusBadRequest, "time_slot is required")
		return
	}

	job, err := s.sched.AddJob(req.Owner, *req.TimeSlot, req.Prompt, req.Params)
	if err != nil {
		s.writeSchedulerError(w, "create job", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeSchedulerError(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.sched.GetJobs()
	if jobs == nil {
		jobs = []model.Job{}
	}
	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: len(jobs)})
}

func (s *Server) handleReorderJob(w http.ResponseWriter, r *http.Request) {
	var req reorderJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TimeSlot == nil {
		s.writeError(w, http.StatusBadRequest, "time_slot is required")
		return
	}

	job, err := s.sched.ReorderJob(chi.URLParam(r, "id"), *req.TimeSlot)
	if err != nil {
		s.writeSchedulerError(w, "reorder job", err)
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteJob(chi.URLParam(r, "id")); err != nil {
		s.writeSchedulerError(w, "delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSchedulerError maps scheduler errors onto HTTP statuses.
func (s *Server) writeSchedulerError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, scheduler.ErrEngineNotReady):
		s.writeError(w, http.StatusServiceUnavailable, "engine is not ready")
	case errors.Is(err, scheduler.ErrCollision):
		s.writeError(w, http.StatusConflict, "time slot collides with an existing booking")
	case errors.Is(err, scheduler.ErrInvalidState):
		s.writeError(w, http.StatusUnprocessableEntity, "only scheduled jobs can be moved")
	case errors.Is(err, scheduler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
