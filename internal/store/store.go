package store

import (
	"context"

	"github.com/b2renger/ComfyQ/internal/model"
)

// ArchiveStats holds aggregate statistics over archived executions.
type ArchiveStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	TotalComputeMS int64          `json:"total_compute_ms"`
}

// Archive is the append-only record of finished executions. The live queue
// never reads it back; it exists for operators and gallery-style clients.
type Archive interface {
	InsertExecution(ctx context.Context, rec *model.ExecutionRecord) error
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.ExecutionRecord, int, error)
	Stats(ctx context.Context) (*ArchiveStats, error)
	Close() error
}
