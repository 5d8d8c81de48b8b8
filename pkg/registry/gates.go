package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

// RecordGateChecks persists the per-condition results of one gate
// evaluation. Results are append-only; a re-evaluation writes a fresh set.
func (s *Store) RecordGateChecks(ctx context.Context, stageRunID string, checks []models.GateCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin gate check transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	for i := range checks {
		c := &checks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.StageRunID = stageRunID
		c.EvaluatedAt = now
		params, err := marshalJSON(c.Params, "{}")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO gate_checks (id, stage_run_id, check_type, params, result, detail, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.StageRunID, c.CheckType, params, c.Result, c.Detail, c.EvaluatedAt)
		if err != nil {
			return fmt.Errorf("failed to record gate check: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit gate checks: %w", err)
	}
	return nil
}

// ListGateChecks returns the recorded checks for a stage attempt, oldest
// first.
func (s *Store) ListGateChecks(ctx context.Context, stageRunID string) ([]models.GateCheck, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, stage_run_id, check_type, params, result, detail, evaluated_at
		FROM gate_checks WHERE stage_run_id = ? ORDER BY evaluated_at, id`),
		stageRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.GateCheck
	for rows.Next() {
		var c models.GateCheck
		var params string
		if err := rows.Scan(&c.ID, &c.StageRunID, &c.CheckType, &params, &c.Result, &c.Detail, &c.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate check: %w", err)
		}
		if c.Params, err = unmarshalMap(params); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestGateChecks returns the newest recorded check per check type for a
// stage attempt. This is the authoritative cached verdict a reactive
// re-evaluation consults for conditions the event cannot affect.
func (s *Store) LatestGateChecks(ctx context.Context, stageRunID string) (map[string]models.GateCheck, error) {
	checks, err := s.ListGateChecks(ctx, stageRunID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]models.GateCheck, len(checks))
	for _, c := range checks {
		latest[c.CheckType] = c
	}
	return latest, nil
}
