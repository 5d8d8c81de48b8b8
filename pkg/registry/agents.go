package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/squadron-hq/squadron/pkg/models"
)

const agentColumns = `id, agent_id, role, status, run_id, stage_run_id, session_id,
	worktree, repo, pr_number, issue_number, iteration_count, tool_call_count,
	turn_count, wake_conditions, blocked_reason, instance_id, last_heartbeat,
	active_deadline, backup_deadline, created_at, updated_at, retired_at`

// CreateAgent persists a new agent incarnation. The partial unique index on
// live agents turns a concurrent duplicate into ErrAgentExists, which is how
// singleton roles and per-scope identity are enforced.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = models.AgentCreated
	}

	wake, err := marshalWake(a.WakeConditions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.AgentID, a.Role, a.Status,
		nullStr(a.RunID), nullStr(a.StageRunID), nullStr(a.SessionID),
		a.Worktree, a.Repo, nullInt(a.PRNumber), nullInt(a.IssueNumber),
		a.IterationCount, a.ToolCallCount, a.TurnCount, wake,
		nullStr(a.BlockedReason), a.InstanceID,
		nullTime(a.LastHeartbeat), nullTime(a.ActiveDeadline), nullTime(a.BackupDeadline),
		a.CreatedAt, a.UpdatedAt, nullTime(a.RetiredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAgentExists, a.AgentID)
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent incarnation by row ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	return scanAgent(row)
}

// GetLiveAgent fetches the one non-terminal incarnation of a logical agent,
// or ErrNotFound if the agent is retired or never existed.
func (s *Store) GetLiveAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE agent_id = ? AND status NOT IN ('completed', 'failed', 'escalated')`),
		agentID)
	return scanAgent(row)
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a                                           models.Agent
		runID, stageRunID, sessionID, blockedReason sql.NullString
		prNum, issueNum                             sql.NullInt64
		wake                                        string
		heartbeat, activeDL, backupDL, retiredAt    sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Role, &a.Status, &runID, &stageRunID, &sessionID,
		&a.Worktree, &a.Repo, &prNum, &issueNum,
		&a.IterationCount, &a.ToolCallCount, &a.TurnCount, &wake,
		&blockedReason, &a.InstanceID, &heartbeat, &activeDL, &backupDL,
		&a.CreatedAt, &a.UpdatedAt, &retiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.RunID = runID.String
	a.StageRunID = stageRunID.String
	a.SessionID = sessionID.String
	a.BlockedReason = blockedReason.String
	a.PRNumber = int(prNum.Int64)
	a.IssueNumber = int(issueNum.Int64)
	a.LastHeartbeat = timePtr(heartbeat)
	a.ActiveDeadline = timePtr(activeDL)
	a.BackupDeadline = timePtr(backupDL)
	a.RetiredAt = timePtr(retiredAt)
	if a.WakeConditions, err = unmarshalWake(wake); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAgentStatus transitions an agent, recording the retirement timestamp
// for terminal states and clearing deadlines for non-active ones.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, blockedReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var retired any
	if status.IsTerminal() {
		retired = now
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET status = ?, blocked_reason = ?, updated_at = ?, retired_at = ?
		WHERE id = ?`),
		status, nullStr(blockedReason), now, retired, id)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// ActivateAgent marks an agent active and arms its watchdog deadlines.
func (s *Store) ActivateAgent(ctx context.Context, id string, activeDeadline, backupDeadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET status = ?, last_heartbeat = ?, active_deadline = ?,
			backup_deadline = ?, updated_at = ?
		WHERE id = ?`),
		models.AgentActive, now, activeDeadline, backupDeadline, now, id)
	if err != nil {
		return fmt.Errorf("failed to activate agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// SleepAgent parks an agent with its wake conditions and clears deadlines.
func (s *Store) SleepAgent(ctx context.Context, id string, conds []models.WakeCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wake, err := marshalWake(conds)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET status = ?, wake_conditions = ?, active_deadline = NULL,
			backup_deadline = NULL, updated_at = ?
		WHERE id = ?`),
		models.AgentSleeping, wake, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to sleep agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`),
		s.now(), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// RecordActivity bumps the agent's resource counters and returns the updated
// totals, so cap enforcement reads its own write.
func (s *Store) RecordActivity(ctx context.Context, id string, toolCalls, turns, iterations int) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE agents SET tool_call_count = tool_call_count + ?,
			turn_count = turn_count + ?, iteration_count = iteration_count + ?,
			updated_at = ?
		WHERE id = ?`),
		toolCalls, turns, iterations, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to record agent activity: %w", err)
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	return scanAgent(row)
}

// SetAgentSession stores the LLM session ID for continuation.
func (s *Store) SetAgentSession(ctx context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE agents SET session_id = ?, updated_at = ? WHERE id = ?`),
		nullStr(sessionID), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set agent session: %w", err)
	}
	return nil
}

// ListAgents returns agents filtered by status; an empty filter returns all
// live agents.
func (s *Store) ListAgents(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE status NOT IN ('completed', 'failed', 'escalated') ORDER BY created_at`
	args := []any{}
	if status != "" {
		query = `SELECT ` + agentColumns + ` FROM agents WHERE status = ? ORDER BY created_at`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActiveAgents returns the number of agents currently in the active
// state, for semaphore accounting after a restart.
func (s *Store) CountActiveAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM agents WHERE status = ?`), models.AgentActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active agents: %w", err)
	}
	return n, nil
}

// LiveAgentForRole returns the live agent of the given role, if any.
// Singleton roles use this for dedup across scopes.
func (s *Store) LiveAgentForRole(ctx context.Context, role string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE role = ? AND status NOT IN ('completed', 'failed', 'escalated')
		LIMIT 1`), role)
	a, err := scanAgent(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// OverdueAgents returns active agents whose watchdog deadline (or, past that,
// backup deadline) has expired relative to now.
func (s *Store) OverdueAgents(ctx context.Context, now time.Time) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE status = ? AND active_deadline IS NOT NULL AND active_deadline < ?
		ORDER BY active_deadline`),
		models.AgentActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// StaleHeartbeatAgents returns active agents whose last heartbeat is older
// than the cutoff, candidates for orphan recovery after a crash.
func (s *Store) StaleHeartbeatAgents(ctx context.Context, cutoff time.Time) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+agentColumns+` FROM agents
		WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)
		ORDER BY last_heartbeat`),
		models.AgentActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SleepingAgents returns every sleeping agent, for wake-condition matching.
func (s *Store) SleepingAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.ListAgents(ctx, models.AgentSleeping)
}

// WorktreeForRun returns the worktree of the newest agent on the run that
// owns one, or "" when no agent with a worktree has been spawned yet. Gate
// checks that inspect the working tree resolve their directory through this.
func (s *Store) WorktreeForRun(ctx context.Context, runID string) (string, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT worktree FROM agents
		WHERE run_id = ? AND worktree != ''
		ORDER BY created_at DESC LIMIT 1`), runID)
	var worktree string
	if err := row.Scan(&worktree); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve run worktree: %w", err)
	}
	return worktree, nil
}

// AgentStats aggregates resource usage for one agent incarnation.
func (s *Store) AgentStats(ctx context.Context, id string) (*models.AgentStats, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	end := s.now()
	if a.RetiredAt != nil {
		end = *a.RetiredAt
	}
	return &models.AgentStats{
		AgentID:        a.AgentID,
		Status:         string(a.Status),
		Iterations:     a.IterationCount,
		ToolCalls:      a.ToolCallCount,
		ActiveDuration: end.Sub(a.CreatedAt),
	}, nil
}

func marshalWake(conds []models.WakeCondition) (string, error) {
	if conds == nil {
		conds = []models.WakeCondition{}
	}
	data, err := json.Marshal(conds)
	if err != nil {
		return "", fmt.Errorf("failed to marshal wake conditions: %w", err)
	}
	return string(data), nil
}

func unmarshalWake(data string) ([]models.WakeCondition, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var conds []models.WakeCondition
	if err := json.Unmarshal([]byte(data), &conds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wake conditions: %w", err)
	}
	return conds, nil
}
