package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/daniel/storyweaver/internal/run"
)

// RunIndex implements run.Index on PostgreSQL.
type RunIndex struct {
	db *DB
}

// NewRunIndex creates the run catalog.
func NewRunIndex(db *DB) *RunIndex {
	return &RunIndex{db: db}
}

// CreateRun records a new run.
func (r *RunIndex) CreateRun(ctx context.Context, rec run.RunRecord) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO runs (id, template_id, template_version, scope, status, parent_run_id, branch_seq, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.TemplateID, rec.TemplateVersion, rec.Scope, rec.Status,
		rec.ParentRunID, int64(rec.BranchSeq), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// UpdateRunStatus records a run's terminal (or current) status.
func (r *RunIndex) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, finishedAt *time.Time) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3`,
		status, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return nil
}

// ListRuns lists runs, newest first, optionally filtered by scope.
func (r *RunIndex) ListRuns(ctx context.Context, scope string) ([]run.RunRecord, error) {
	query := `SELECT id, template_id, template_version, scope, status, parent_run_id, branch_seq, created_at, finished_at
	          FROM runs`
	args := []any{}
	if scope != "" {
		query += ` WHERE scope = $1`
		args = append(args, scope)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []run.RunRecord
	for rows.Next() {
		var rec run.RunRecord
		var branchSeq int64
		if err := rows.Scan(&rec.ID, &rec.TemplateID, &rec.TemplateVersion, &rec.Scope,
			&rec.Status, &rec.ParentRunID, &branchSeq, &rec.CreatedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.BranchSeq = uint64(branchSeq)
		records = append(records, rec)
	}
	return records, rows.Err()
}
