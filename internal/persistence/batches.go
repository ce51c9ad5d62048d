package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartBatch records the start of a batch.
func (s *SQLiteStore) StartBatch(ctx context.Context, batchID string, total int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, total, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total = excluded.total,
			started_at = excluded.started_at
	`, batchID, total, unixNano(s.now()))
	if err != nil {
		return fmt.Errorf("failed to start batch: %w", err)
	}
	return nil
}

// FinishBatch records the final counts and outcome of a batch.
func (s *SQLiteStore) FinishBatch(ctx context.Context, batchID, outcome string, completed, failed int, batchErr error) error {
	errorStr := ""
	if batchErr != nil {
		errorStr = batchErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET outcome = ?, completed = ?, failed = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, outcome, completed, failed, errorStr, unixNano(s.now()), batchID)
	if err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, total, completed, failed, outcome, error, started_at, finished_at
		FROM batches WHERE id = ?
	`, batchID)

	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}
	return b, nil
}

// ListBatches returns the most recent batches first. A limit <= 0 returns all.
func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, total, completed, failed, outcome, error, started_at, finished_at
		FROM batches ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*Batch, error) {
	var b Batch
	var started, finished int64
	if err := row.Scan(&b.ID, &b.Total, &b.Completed, &b.Failed, &b.Outcome, &b.Error, &started, &finished); err != nil {
		return nil, err
	}
	b.StartedAt = fromUnixNano(started)
	b.FinishedAt = fromUnixNano(finished)
	return &b, nil
}

// RecordTaskRun saves or updates the outcome of one task in a batch.
// The batch must have been started.
func (s *SQLiteStore) RecordTaskRun(ctx context.Context, run TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (batch_id, task_id, name, agent_id, status, wave, output, error, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, task_id) DO UPDATE SET
			name = excluded.name,
			agent_id = excluded.agent_id,
			status = excluded.status,
			wave = excluded.wave,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			duration_ns = excluded.duration_ns
	`, run.BatchID, run.TaskID, run.Name, run.AgentID, run.Status, run.Wave, run.Output, run.Error,
		unixNano(run.StartedAt), int64(run.Duration))
	if err != nil {
		return fmt.Errorf("failed to record task run %s: %w", run.TaskID, err)
	}
	return nil
}

// ListTaskRuns returns the task runs of a batch ordered by wave, then task ID.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, batchID string) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, task_id, name, agent_id, status, wave, output, error, started_at, duration_ns
		FROM task_runs WHERE batch_id = ?
		ORDER BY wave, task_id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var r TaskRun
		var started, duration int64
		if err := rows.Scan(&r.BatchID, &r.TaskID, &r.Name, &r.AgentID, &r.Status, &r.Wave,
			&r.Output, &r.Error, &started, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		r.StartedAt = fromUnixNano(started)
		r.Duration = time.Duration(duration)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}
	return runs, nil
}
