package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

const stageColumns = `id, run_id, stage_id, stage_type, attempt_number, status,
	agent_id, branch_key, output, error, started_at, completed_at`

// CreateStageRun persists a new stage attempt. The attempt number is derived
// from prior attempts of the same stage within the run; the unique constraint
// on (run_id, stage_id, attempt_number) rejects concurrent duplicates.
func (s *Store) CreateStageRun(ctx context.Context, sr *models.StageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sr.ID == "" {
		sr.ID = uuid.NewString()
	}
	sr.StartedAt = s.now()
	if sr.Status == "" {
		sr.Status = models.StagePending
	}
	if sr.AttemptNumber == 0 {
		var maxAttempt sql.NullInt64
		err := s.db.QueryRowContext(ctx, s.rebind(`
			SELECT MAX(attempt_number) FROM stage_runs WHERE run_id = ? AND stage_id = ?`),
			sr.RunID, sr.StageID).Scan(&maxAttempt)
		if err != nil {
			return fmt.Errorf("failed to determine attempt number: %w", err)
		}
		sr.AttemptNumber = int(maxAttempt.Int64) + 1
	}

	output, err := marshalJSON(sr.Output, "{}")
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO stage_runs (`+stageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sr.ID, sr.RunID, sr.StageID, sr.StageType, sr.AttemptNumber, sr.Status,
		nullStr(sr.AgentID), sr.BranchKey, output, nullStr(sr.Error),
		sr.StartedAt, nullTime(sr.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stage %s attempt %d", ErrConflict, sr.StageID, sr.AttemptNumber)
		}
		return fmt.Errorf("failed to create stage run: %w", err)
	}
	return nil
}

// GetStageRun fetches a stage attempt by row ID.
func (s *Store) GetStageRun(ctx context.Context, id string) (*models.StageRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+stageColumns+` FROM stage_runs WHERE id = ?`), id)
	return scanStageRun(row)
}

// LatestStageAttempt fetches the newest attempt of a stage within a run.
func (s *Store) LatestStageAttempt(ctx context.Context, runID, stageID string) (*models.StageRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+stageColumns+` FROM stage_runs
		WHERE run_id = ? AND stage_id = ?
		ORDER BY attempt_number DESC LIMIT 1`),
		runID, stageID)
	return scanStageRun(row)
}

func scanStageRun(row rowScanner) (*models.StageRun, error) {
	var (
		sr          models.StageRun
		agentID     sql.NullString
		output      string
		stageErr    sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&sr.ID, &sr.RunID, &sr.StageID, &sr.StageType, &sr.AttemptNumber,
		&sr.Status, &agentID, &sr.BranchKey, &output, &stageErr,
		&sr.StartedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stage run", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stage run: %w", err)
	}
	sr.AgentID = agentID.String
	sr.Error = stageErr.String
	sr.CompletedAt = timePtr(completedAt)
	if sr.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	return &sr, nil
}

// CompleteStageRun transitions a stage attempt to a terminal state with its
// output and error.
func (s *Store) CompleteStageRun(ctx context.Context, id string, status models.StageStatus, output map[string]any, stageErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := marshalJSON(output, "{}")
	if err != nil {
		return err
	}
	now := s.now()
	var completed any
	if status.IsTerminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE stage_runs SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ?`),
		status, data, nullStr(stageErr), completed, id)
	if err != nil {
		return fmt.Errorf("failed to complete stage run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: stage run %s", ErrNotFound, id)
	}
	return nil
}

// UpdateStageStatus transitions a stage attempt without touching output.
func (s *Store) UpdateStageStatus(ctx context.Context, id string, status models.StageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var completed any
	if status.IsTerminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE stage_runs SET status = ?, completed_at = ? WHERE id = ?`),
		status, completed, id)
	if err != nil {
		return fmt.Errorf("failed to update stage status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: stage run %s", ErrNotFound, id)
	}
	return nil
}

// SetStageAgent links a stage attempt to the agent executing it.
func (s *Store) SetStageAgent(ctx context.Context, id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE stage_runs SET agent_id = ? WHERE id = ?`), nullStr(agentID), id)
	if err != nil {
		return fmt.Errorf("failed to set stage agent: %w", err)
	}
	return nil
}

// ListStageRuns returns every attempt for a run in execution order.
func (s *Store) ListStageRuns(ctx context.Context, runID string) ([]*models.StageRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+stageColumns+` FROM stage_runs
		WHERE run_id = ? ORDER BY started_at, attempt_number`),
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// ListStageRunsByStatus returns stage attempts across all runs in the given
// state, used by startup reconciliation.
func (s *Store) ListStageRunsByStatus(ctx context.Context, status models.StageStatus) ([]*models.StageRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+stageColumns+` FROM stage_runs WHERE status = ? ORDER BY started_at`),
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage runs by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.StageRun
	for rows.Next() {
		sr, err := scanStageRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// AttemptCount returns the number of attempts recorded for a stage in a run.
func (s *Store) AttemptCount(ctx context.Context, runID, stageID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM stage_runs WHERE run_id = ? AND stage_id = ?`),
		runID, stageID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stage attempts: %w", err)
	}
	return n, nil
}
