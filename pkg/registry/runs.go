package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

const runColumns = `id, pipeline_name, definition_snapshot, status, current_stage_id, scope,
	repo, pr_number, issue_number, parent_run_id, parent_stage_id, nesting_depth,
	trigger_event_delivery_id, trigger_event, context, error, started_at, updated_at, completed_at`

// CreateRun persists a new pipeline run. The definition snapshot is stored
// with the run so in-flight runs survive definition reloads unchanged.
func (s *Store) CreateRun(ctx context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := s.now()
	run.StartedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = models.RunPending
	}

	trigger, err := marshalJSON(run.TriggerEvent, "{}")
	if err != nil {
		return err
	}
	runCtx, err := marshalJSON(run.Context, "{}")
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.PipelineName, string(run.DefinitionSnapshot), run.Status,
		nullStr(run.CurrentStageID), run.Scope, run.Repo,
		nullInt(run.PRNumber), nullInt(run.IssueNumber),
		nullStr(run.ParentRunID), nullStr(run.ParentStageID), run.NestingDepth,
		nullStr(run.TriggerDeliveryID), trigger, runCtx, nullStr(run.Error),
		run.StartedAt, run.UpdatedAt, nullTime(run.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateDelivery, run.TriggerDeliveryID)
		}
		return fmt.Errorf("failed to create pipeline run: %w", err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`), id)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.PipelineRun, error) {
	var (
		run                                  models.PipelineRun
		snapshot, trigger, runCtx            string
		currentStage, parentRun, parentStage sql.NullString
		delivery, runErr                     sql.NullString
		prNum, issueNum                      sql.NullInt64
		completedAt                          sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.PipelineName, &snapshot, &run.Status, &currentStage,
		&run.Scope, &run.Repo, &prNum, &issueNum, &parentRun, &parentStage,
		&run.NestingDepth, &delivery, &trigger, &runCtx, &runErr,
		&run.StartedAt, &run.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline run", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
	}

	run.DefinitionSnapshot = []byte(snapshot)
	run.CurrentStageID = currentStage.String
	run.ParentRunID = parentRun.String
	run.ParentStageID = parentStage.String
	run.TriggerDeliveryID = delivery.String
	run.Error = runErr.String
	run.PRNumber = int(prNum.Int64)
	run.IssueNumber = int(issueNum.Int64)
	run.CompletedAt = timePtr(completedAt)

	if run.TriggerEvent, err = unmarshalMap(trigger); err != nil {
		return nil, err
	}
	if run.Context, err = unmarshalMap(runCtx); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatus transitions a run, recording the error message and the
// completion timestamp for terminal states.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, runErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var completed any
	if status.IsTerminal() {
		completed = now
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pipeline_runs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`),
		status, nullStr(runErr), now, completed, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pipeline run %s", ErrNotFound, id)
	}
	return nil
}

// SetCurrentStage records the stage the run is positioned at.
func (s *Store) SetCurrentStage(ctx context.Context, id, stageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pipeline_runs SET current_stage_id = ?, updated_at = ? WHERE id = ?`),
		nullStr(stageID), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set current stage: %w", err)
	}
	return nil
}

// UpdateRunContext replaces the run's accumulated context map.
func (s *Store) UpdateRunContext(ctx context.Context, id string, runCtx map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := marshalJSON(runCtx, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE pipeline_runs SET context = ?, updated_at = ? WHERE id = ?`),
		data, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to update run context: %w", err)
	}
	return nil
}

// ListRuns returns runs matching params, newest first, with the total count
// before pagination.
func (s *Store) ListRuns(ctx context.Context, params models.ListRunsParams) ([]*models.PipelineRun, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if params.Status != "" {
		where = append(where, "status = ?")
		args = append(args, params.Status)
	}
	if params.PipelineName != "" {
		where = append(where, "pipeline_name = ?")
		args = append(args, params.PipelineName)
	}
	if params.PRNumber != 0 {
		where = append(where, "pr_number = ?")
		args = append(args, params.PRNumber)
	}
	if params.IssueNumber != 0 {
		where = append(where, "issue_number = ?")
		args = append(args, params.IssueNumber)
	}
	cond := joinAnd(where)

	var total int
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT COUNT(*) FROM pipeline_runs WHERE "+cond), args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count pipeline runs: %w", err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + runColumns + " FROM pipeline_runs WHERE " + cond +
		" ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, params.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// ListRunsByStatus returns every run in any of the given states.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]*models.PipelineRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	query := "SELECT " + runColumns + " FROM pipeline_runs WHERE status IN (" +
		joinComma(placeholders) + ") ORDER BY started_at"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ChildRuns returns the sub-pipeline runs spawned by the given run.
func (s *Store) ChildRuns(ctx context.Context, parentID string) ([]*models.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+runColumns+" FROM pipeline_runs WHERE parent_run_id = ? ORDER BY started_at"),
		parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ActiveRunForScope finds a non-terminal run of the named pipeline bound to
// the same scope target, used to suppress duplicate triggers.
func (s *Store) ActiveRunForScope(ctx context.Context, pipelineName, repo string, prNumber, issueNumber int) (*models.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE pipeline_name = ? AND repo = ?
		  AND COALESCE(pr_number, 0) = ? AND COALESCE(issue_number, 0) = ?
		  AND status IN ('pending', 'running', 'waiting')
		LIMIT 1`),
		pipelineName, repo, prNumber, issueNumber)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func joinAnd(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
