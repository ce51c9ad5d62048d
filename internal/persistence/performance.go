package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/swarm/internal/agent"
)

// RecordOutcome adds one finished task to an agent's running totals.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, agentID string, success bool) error {
	succeeded := 0
	if success {
		succeeded = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_performance (agent_id, tasks_completed, tasks_succeeded, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tasks_completed = tasks_completed + 1,
			tasks_succeeded = tasks_succeeded + excluded.tasks_succeeded,
			updated_at = excluded.updated_at
	`, agentID, succeeded, unixNano(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", agentID, err)
	}
	return nil
}

// LoadPerformance returns the stored history of every agent, ordered by ID.
func (s *SQLiteStore) LoadPerformance(ctx context.Context) ([]agent.Performance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, tasks_completed, tasks_succeeded
		FROM agent_performance ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance: %w", err)
	}
	defer rows.Close()

	var out []agent.Performance
	for rows.Next() {
		var p agent.Performance
		if err := rows.Scan(&p.AgentID, &p.TasksCompleted, &p.TasksSucceeded); err != nil {
			return nil, fmt.Errorf("failed to scan performance: %w", err)
		}
		if p.TasksCompleted > 0 {
			p.SuccessRate = float64(p.TasksSucceeded) / float64(p.TasksCompleted)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance: %w", err)
	}
	return out, nil
}
