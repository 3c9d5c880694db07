package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/b2renger/ComfyQ/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id          TEXT NOT NULL,
    owner           TEXT NOT NULL,
    prompt          TEXT NOT NULL,
    time_slot_ms    INTEGER NOT NULL,
    status          TEXT NOT NULL,
    correlation_id  TEXT,
    result_filename TEXT,
    error           TEXT,
    duration_ms     INTEGER NOT NULL,
    created_at      DATETIME NOT NULL,
    finished_at     DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Archive = (*SQLiteArchive)(nil)

// SQLiteArchive implements Archive using SQLite.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens the SQLite database at dbPath and runs migrations.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	return &SQLiteArchive{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}

// InsertExecution appends one finished execution and fills in rec.ID.
func (s *SQLiteArchive) InsertExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			job_id, owner, prompt, time_slot_ms, status, correlation_id,
			result_filename, error, duration_ms, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Owner, rec.Prompt, rec.TimeSlotMS, rec.Status, rec.CorrelationID,
		rec.ResultFilename, rec.Error, rec.DurationMS, rec.CreatedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read execution id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListExecutions returns a paginated list of archived executions, newest
// first, along with the total count.
func (s *SQLiteArchive) ListExecutions(ctx context.Context, limit, offset int) ([]*model.ExecutionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, job_id, owner, prompt, time_slot_ms, status, correlation_id,
			result_filename, error, duration_ms, created_at, finished_at
		FROM executions ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var records []*model.ExecutionRecord
	for rows.Next() {
		rec := &model.ExecutionRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.JobID, &rec.Owner, &rec.Prompt, &rec.TimeSlotMS, &rec.Status,
			&rec.CorrelationID, &rec.ResultFilename, &rec.Error, &rec.DurationMS,
			&rec.CreatedAt, &rec.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return records, total, nil
}

// Stats aggregates counts and durations over the whole archive.
func (s *SQLiteArchive) Stats(ctx context.Context) (*ArchiveStats, error) {
	stats := &ArchiveStats{CountByStatus: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_ms), 0), COALESCE(SUM(duration_ms), 0) FROM executions`,
	).Scan(&stats.Total, &stats.AvgDurationMS, &stats.TotalComputeMS)
	if err != nil {
		return nil, fmt.Errorf("aggregate executions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM executions GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return stats, nil
}
