package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

// AssociatePR links a pipeline run to a PR. Idempotent: re-associating the
// same pair is a no-op.
func (s *Store) AssociatePR(ctx context.Context, runID, repo string, prNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pipeline_pr_associations (id, pipeline_run_id, repo, pr_number, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		uuid.NewString(), runID, repo, prNumber, s.now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to associate PR: %w", err)
	}
	return nil
}

// RunsForPR returns the non-terminal runs associated with a PR, so reactive
// events can be fanned out to every run that cares.
func (s *Store) RunsForPR(ctx context.Context, repo string, prNumber int) ([]*models.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+runColumns+` FROM pipeline_runs
		WHERE status IN ('pending', 'running', 'waiting') AND id IN (
			SELECT pipeline_run_id FROM pipeline_pr_associations
			WHERE repo = ? AND pr_number = ?
		)
		ORDER BY started_at`),
		repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for PR: %w", err)
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

// AssociatedPRs returns the PR numbers a run is linked to.
func (s *Store) AssociatedPRs(ctx context.Context, runID string) ([]models.PRAssociation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, pipeline_run_id, repo, pr_number, created_at
		FROM pipeline_pr_associations WHERE pipeline_run_id = ? ORDER BY created_at`),
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list PR associations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PRAssociation
	for rows.Next() {
		var a models.PRAssociation
		if err := rows.Scan(&a.ID, &a.PipelineRunID, &a.Repo, &a.PRNumber, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan PR association: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
