package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

// UpsertSequenceState records the state of one position in a multi-PR run's
// ordered sequence.
func (s *Store) UpsertSequenceState(ctx context.Context, st *models.SequenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE pr_sequence_state SET pr_number = ?, branch = ?, status = ?, updated_at = ?
		WHERE run_id = ? AND position = ?`),
		nullInt(st.PRNumber), st.Branch, st.Status, st.UpdatedAt, st.RunID, st.Position)
	if err != nil {
		return fmt.Errorf("failed to update sequence state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pr_sequence_state (id, run_id, repo, position, pr_number, branch, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		st.ID, st.RunID, st.Repo, st.Position, nullInt(st.PRNumber), st.Branch, st.Status, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sequence state: %w", err)
	}
	return nil
}

// SequenceForRun returns the run's PR sequence ordered by position.
func (s *Store) SequenceForRun(ctx context.Context, runID string) ([]models.SequenceState, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, run_id, repo, position, pr_number, branch, status, updated_at
		FROM pr_sequence_state WHERE run_id = ? ORDER BY position`),
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequence state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.SequenceState
	for rows.Next() {
		var st models.SequenceState
		var pr sql.NullInt64
		if err := rows.Scan(&st.ID, &st.RunID, &st.Repo, &st.Position, &pr, &st.Branch, &st.Status, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sequence state: %w", err)
		}
		st.PRNumber = int(pr.Int64)
		out = append(out, st)
	}
	return out, rows.Err()
}
