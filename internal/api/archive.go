package api

import (
	"net/http"

	"github.com/b2renger/ComfyQ/internal/model"
)

// listArchiveResponse wraps the paginated archive listing.
type listArchiveResponse struct {
	Executions []*model.ExecutionRecord `json:"executions"`
	Total      int                      `json:"total"`
	Limit      int                      `json:"limit"`
	Offset     int                      `json:"offset"`
}

// archiveStatsResponse is the JSON response for GET /v1/archive/stats.
type archiveStatsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	TotalComputeMS int64          `json:"total_compute_ms"`
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.archive.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list archive", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.ExecutionRecord{}
	}

	s.writeJSON(w, http.StatusOK, listArchiveResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleArchiveStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.archive.Stats(r.Context())
	if err != nil {
		s.logger.Error("archive stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	s.writeJSON(w, http.StatusOK, archiveStatsResponse{
		Total:          stats.Total,
		ByStatus:       stats.CountByStatus,
		AvgDurationMS:  stats.AvgDurationMS,
		TotalComputeMS: stats.TotalComputeMS,
	})
}
