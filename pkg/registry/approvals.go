package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

// SetReviewRequirement records (or updates) how many approvals a role must
// provide for a PR before it is merge-ready.
func (s *Store) SetReviewRequirement(ctx context.Context, repo string, prNumber int, role string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pr_review_requirements SET required_count = ?
		WHERE repo = ? AND pr_number = ? AND role = ?`),
		count, repo, prNumber, role)
	if err != nil {
		return fmt.Errorf("failed to update review requirement: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pr_review_requirements (id, repo, pr_number, role, required_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), repo, prNumber, role, count, s.now())
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to create review requirement: %w", err)
	}
	return nil
}

// ListReviewRequirements returns the roles a PR requires approval from.
func (s *Store) ListReviewRequirements(ctx context.Context, repo string, prNumber int) ([]models.ReviewRequirement, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, repo, pr_number, role, required_count, created_at
		FROM pr_review_requirements WHERE repo = ? AND pr_number = ?`),
		repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list review requirements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ReviewRequirement
	for rows.Next() {
		var r models.ReviewRequirement
		if err := rows.Scan(&r.ID, &r.Repo, &r.PRNumber, &r.Role, &r.RequiredCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review requirement: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordApproval stores a fresh approval. Human approvals pass the role
// "human:{login}". Approvals accumulate per reviewer: a repeated approval
// from the same reviewer supersedes that reviewer's prior row, while distinct
// reviewers under one role stack toward the role's required count.
func (s *Store) RecordApproval(ctx context.Context, a *models.PRApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.ApprovedAt = s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin approval transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE pr_approvals SET stale = ?
		WHERE repo = ? AND pr_number = ? AND reviewer_role = ? AND reviewer = ? AND stale = ?`),
		true, a.Repo, a.PRNumber, a.ReviewerRole, a.Reviewer, false)
	if err != nil {
		return fmt.Errorf("failed to supersede prior approval: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO pr_approvals (id, repo, pr_number, reviewer_role, reviewer, review_id, head_sha, stale, approved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Repo, a.PRNumber, a.ReviewerRole, a.Reviewer, a.ReviewID, a.HeadSHA, a.Stale, a.ApprovedAt)
	if err != nil {
		return fmt.Errorf("failed to record approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit approval: %w", err)
	}
	return nil
}

// InvalidateApprovals marks every non-stale approval on a PR stale. Called
// when new commits land on the PR head; stale approvals no longer count.
func (s *Store) InvalidateApprovals(ctx context.Context, repo string, prNumber int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pr_approvals SET stale = ? WHERE repo = ? AND pr_number = ? AND stale = ?`),
		true, repo, prNumber, false)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Invalidated PR approvals", "repo", repo, "pr", prNumber, "count", n)
	}
	return int(n), nil
}

// RemoveApproval retracts the approval a role previously gave, used when a
// review is dismissed or changes are requested. The row is staled rather
// than deleted so the approval history stays intact.
func (s *Store) RemoveApproval(ctx context.Context, repo string, prNumber int, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pr_approvals SET stale = ? WHERE repo = ? AND pr_number = ? AND reviewer_role = ? AND stale = ?`),
		true, repo, prNumber, role, false)
	if err != nil {
		return fmt.Errorf("failed to remove approval: %w", err)
	}
	return nil
}

// ListApprovals returns the current (non-stale) approvals on a PR.
func (s *Store) ListApprovals(ctx context.Context, repo string, prNumber int) ([]models.PRApproval, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, repo, pr_number, reviewer_role, reviewer, review_id, head_sha, stale, approved_at
		FROM pr_approvals WHERE repo = ? AND pr_number = ? AND stale = ?
		ORDER BY approved_at, id`),
		repo, prNumber, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PRApproval
	for rows.Next() {
		var a models.PRApproval
		if err := rows.Scan(&a.ID, &a.Repo, &a.PRNumber, &a.ReviewerRole, &a.Reviewer, &a.ReviewID, &a.HeadSHA, &a.Stale, &a.ApprovedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MergeReadiness reports whether a PR has every required approval, and which
// roles are still short. Each requirement's required_count is matched against
// the number of current (non-stale) approvals for its role; the requirement
// role "human" counts approvals from any "human:{login}" reviewer. scope
// restricts which requirements are consulted: "agents", "humans", or "all"
// (the default). A PR with no requirement rows in scope is not ready; the
// stage that asks must seed requirements first.
func (s *Store) MergeReadiness(ctx context.Context, repo string, prNumber int, scope string) (bool, []string, error) {
	reqs, err := s.ListReviewRequirements(ctx, repo, prNumber)
	if err != nil {
		return false, nil, err
	}
	inScope := reqs[:0:0]
	for _, r := range reqs {
		if requirementInScope(r.Role, scope) {
			inScope = append(inScope, r)
		}
	}
	if len(inScope) == 0 {
		return false, nil, nil
	}
	approvals, err := s.ListApprovals(ctx, repo, prNumber)
	if err != nil {
		return false, nil, err
	}

	var missing []string
	for _, r := range inScope {
		need := r.RequiredCount
		if need < 1 {
			need = 1
		}
		have := 0
		for _, a := range approvals {
			if approvalCountsFor(a.ReviewerRole, r.Role) {
				have++
			}
		}
		if have < need {
			missing = append(missing, r.Role)
		}
	}
	return len(missing) == 0, missing, nil
}

func requirementInScope(role, scope string) bool {
	human := role == "human" || strings.HasPrefix(role, "human:")
	switch scope {
	case "humans":
		return human
	case "agents":
		return !human
	default:
		return true
	}
}

func approvalCountsFor(approvalRole, requiredRole string) bool {
	if requiredRole == "human" {
		return strings.HasPrefix(approvalRole, "human:")
	}
	return approvalRole == requiredRole
}
