// Package lifecycle manages agents from creation to retirement: identity,
// state transitions, resource caps, watchdog deadlines, and the wake/sleep
// cycle. Agents hold no goroutine while sleeping; all durable state lives in
// the registry so a restart can resume every agent from its row.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// backupGrace is how long past the active deadline the backup timer fires.
// The sweep treats an agent past its backup deadline as watchdog-escaped.
const backupGrace = time.Minute

// heartbeatCeiling caps the heartbeat interval regardless of role duration.
const heartbeatCeiling = 30 * time.Second

// ErrCapacity indicates the global active-agent limit is reached and the
// grace period expired without a slot freeing up.
var ErrCapacity = fmt.Errorf("active agent capacity reached")

// ErrSingletonBusy indicates a singleton role already has a live agent bound
// to a different scope.
var ErrSingletonBusy = fmt.Errorf("singleton role already active")

// DoneFunc is invoked when an agent reaches a resting state: completed,
// blocked (asleep), escalated, or failed. The pipeline engine uses it to
// advance the owning stage.
type DoneFunc func(ctx context.Context, agent *models.Agent, sig bridge.Signal)

// CreateSpec describes the agent a stage needs.
type CreateSpec struct {
	Role        string
	RunID       string
	StageRunID  string
	Repo        string
	PRNumber    int
	IssueNumber int

	Prompt          string
	Context         map[string]any
	ExpectedOutputs []string

	// ContinueSession requests reuse of the previous incarnation's session
	// when the run's continuity rules allow it.
	ContinueSession bool
	// PriorSessionID is the session to continue, resolved by the engine.
	PriorSessionID string
}

// Manager owns every agent on this instance.
type Manager struct {
	store      *registry.Store
	activity   *events.ActivityLog
	runner     bridge.Runner
	cfg        config.AgentsConfig
	instanceID string
	worktrees  string
	logger     *slog.Logger

	slots *semaphore

	onDone   DoneFunc
	onDoneMu sync.RWMutex

	heartbeats   map[string]chan struct{} // agent row ID -> stop channel
	heartbeatsMu sync.Mutex

	watchdogs   map[string]*watchdogTimers // agent row ID -> deadline timers
	watchdogsMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the lifecycle manager. The runner's signal handler must be
// bound to Manager.HandleSignal by the caller (the bridge is constructed
// first, so construction order forces this through BindRunner).
func NewManager(store *registry.Store, activity *events.ActivityLog, cfg config.AgentsConfig, instanceID, worktreeRoot string) *Manager {
	return &Manager{
		store:      store,
		activity:   activity,
		cfg:        cfg,
		instanceID: instanceID,
		worktrees:  worktreeRoot,
		logger:     slog.With("component", "lifecycle"),
		slots:      newSemaphore(cfg.MaxActive),
		heartbeats: make(map[string]chan struct{}),
		watchdogs:  make(map[string]*watchdogTimers),
		stopCh:     make(chan struct{}),
	}
}

// BindRunner attaches the bridge runner. Called once during startup wiring.
func (m *Manager) BindRunner(r bridge.Runner) { m.runner = r }

// OnDone registers the resting-state callback.
func (m *Manager) OnDone(fn DoneFunc) {
	m.onDoneMu.Lock()
	defer m.onDoneMu.Unlock()
	m.onDone = fn
}

func (m *Manager) notifyDone(ctx context.Context, agent *models.Agent, sig bridge.Signal) {
	m.onDoneMu.RLock()
	fn := m.onDone
	m.onDoneMu.RUnlock()
	if fn != nil {
		fn(ctx, agent, sig)
	}
}

// Stop halts heartbeat loops. Running runtime sessions are left to the
// reconciler on next startup; killing them here would lose work a resumed
// instance could adopt.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.watchdogsMu.Lock()
	for rowID, t := range m.watchdogs {
		t.stop()
		delete(m.watchdogs, rowID)
	}
	m.watchdogsMu.Unlock()
	m.wg.Wait()
}

// AgentIDFor derives the stable logical identity for a role within a scope.
func AgentIDFor(role string, prNumber, issueNumber int) string {
	switch {
	case prNumber > 0:
		return fmt.Sprintf("%s-pr-%d", role, prNumber)
	case issueNumber > 0:
		return fmt.Sprintf("%s-issue-%d", role, issueNumber)
	default:
		return role
	}
}

// Create spawns a new agent for a stage: registry row first, then the
// runtime session. If the runtime fails to start, the row is marked failed so
// no orphan identity lingers.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*models.Agent, error) {
	role := m.cfg.Role(spec.Role)
	ephemeral := role.Lifecycle == config.LifecycleEphemeral
	agentID := AgentIDFor(spec.Role, spec.PRNumber, spec.IssueNumber)
	switch {
	case role.Singleton:
		agentID = spec.Role
		live, err := m.store.LiveAgentForRole(ctx, spec.Role)
		if err != nil {
			return nil, err
		}
		if live != nil {
			if live.PRNumber == spec.PRNumber && live.IssueNumber == spec.IssueNumber {
				m.logger.Info("Singleton create deduplicated", "agent_id", live.AgentID, "role", spec.Role)
				return live, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrSingletonBusy, spec.Role)
		}
	case ephemeral:
		// One-shot identity; ephemeral agents never resume, so the suffix
		// keeps successive incarnations apart.
		agentID = fmt.Sprintf("%s-%d", agentID, time.Now().Unix())
	}

	if err := m.slots.acquire(ctx, m.cfg.GracePeriod.Std()); err != nil {
		return nil, err
	}

	agent := &models.Agent{
		AgentID:     agentID,
		Role:        spec.Role,
		RunID:       spec.RunID,
		StageRunID:  spec.StageRunID,
		Repo:        spec.Repo,
		PRNumber:    spec.PRNumber,
		IssueNumber: spec.IssueNumber,
		InstanceID:  m.instanceID,
	}
	if !ephemeral {
		agent.Worktree = m.worktreeFor(agentID)
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		m.slots.release()
		return nil, err
	}

	// Ephemeral agents run out of the shared root and own no worktree.
	workDir := agent.Worktree
	if workDir == "" {
		workDir = m.worktrees
	}
	if err := m.ensureWorktree(workDir); err != nil {
		m.failStartup(ctx, agent, err)
		return nil, err
	}

	sessionID, err := m.runner.Start(ctx, bridge.StartRequest{
		AgentID:         agent.AgentID,
		Role:            spec.Role,
		Worktree:        workDir,
		Prompt:          spec.Prompt,
		Context:         spec.Context,
		ExpectedOutputs: spec.ExpectedOutputs,
		PriorSessionID:  spec.PriorSessionID,
	})
	if err != nil {
		m.failStartup(ctx, agent, err)
		return nil, fmt.Errorf("failed to start agent session: %w", err)
	}
	if err := m.store.SetAgentSession(ctx, agent.ID, sessionID); err != nil {
		m.logger.Error("Failed to persist session ID", "agent_id", agent.AgentID, "error", err)
	}
	agent.SessionID = sessionID

	if err := m.activate(ctx, agent, role); err != nil {
		return nil, err
	}

	metrics.AgentsSpawned.WithLabelValues(agent.Role).Inc()
	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentSpawned,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: fmt.Sprintf("agent %s spawned (role %s)", agent.AgentID, agent.Role),
	})
	m.logger.Info("Agent created",
		"agent_id", agent.AgentID, "role", agent.Role, "run_id", agent.RunID)
	return agent, nil
}

func (m *Manager) failStartup(ctx context.Context, agent *models.Agent, cause error) {
	m.slots.release()
	if err := m.store.UpdateAgentStatus(ctx, agent.ID, models.AgentFailed, cause.Error()); err != nil {
		m.logger.Error("Failed to mark agent failed", "agent_id", agent.AgentID, "error", err)
	}
}

// activate arms deadlines and starts the heartbeat loop. The heartbeat
// interval is a tenth of the role's duration, capped at 30s, so short-lived
// roles report proportionally often.
func (m *Manager) activate(ctx context.Context, agent *models.Agent, role config.RoleConfig) error {
	duration := role.MaxActiveDuration.Std()
	deadline := time.Now().UTC().Add(duration)
	backup := deadline.Add(backupGrace)
	if err := m.store.ActivateAgent(ctx, agent.ID, deadline, backup); err != nil {
		m.slots.release()
		return err
	}
	agent.Status = models.AgentActive

	interval := duration / 10
	if interval > heartbeatCeiling || interval <= 0 {
		interval = heartbeatCeiling
	}
	m.startHeartbeat(agent.ID, interval)
	m.armWatchdog(agent.ID, duration)
	return nil
}

func (m *Manager) startHeartbeat(rowID string, interval time.Duration) {
	m.heartbeatsMu.Lock()
	defer m.heartbeatsMu.Unlock()
	if _, exists := m.heartbeats[rowID]; exists {
		return
	}
	stop := make(chan struct{})
	m.heartbeats[rowID] = stop

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.store.Heartbeat(context.Background(), rowID); err != nil {
					m.logger.Warn("Heartbeat write failed", "agent_row", rowID, "error", err)
				}
			case <-stop:
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) stopHeartbeat(rowID string) {
	m.heartbeatsMu.Lock()
	defer m.heartbeatsMu.Unlock()
	if stop, ok := m.heartbeats[rowID]; ok {
		close(stop)
		delete(m.heartbeats, rowID)
	}
	m.disarmWatchdog(rowID)
}

func (m *Manager) worktreeFor(agentID string) string {
	safe := strings.ReplaceAll(agentID, "/", "-")
	return filepath.Join(m.worktrees, safe)
}

func (m *Manager) ensureWorktree(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create worktree %s: %w", path, err)
	}
	return nil
}

// Sleep parks an active agent with wake conditions. The runtime session ends;
// the session ID stays on the row for continuation.
func (m *Manager) Sleep(ctx context.Context, agent *models.Agent, conds []models.WakeCondition) error {
	if err := m.store.SleepAgent(ctx, agent.ID, conds); err != nil {
		return err
	}
	m.stopHeartbeat(agent.ID)
	m.slots.release()
	agent.Status = models.AgentSleeping

	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentState,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "agent sleeping",
		Payload: map[string]any{"wake_conditions": len(conds)},
	})
	m.logger.Info("Agent sleeping", "agent_id", agent.AgentID, "wake_conditions", len(conds))
	return nil
}

// Wake resumes a sleeping agent in response to a matched event or mail. The
// iteration counter increments; a role's MaxIterations bounds wake loops.
func (m *Manager) Wake(ctx context.Context, agent *models.Agent, reason string) error {
	role := m.cfg.Role(agent.Role)

	updated, err := m.store.RecordActivity(ctx, agent.ID, 0, 0, 1)
	if err != nil {
		return err
	}
	if updated.IterationCount > role.MaxIterations {
		m.logger.Warn("Agent exceeded iteration cap, escalating",
			"agent_id", agent.AgentID, "iterations", updated.IterationCount)
		return m.RetireAndNotify(ctx, agent, models.AgentEscalated,
			fmt.Sprintf("iteration cap %d exceeded", role.MaxIterations))
	}

	if err := m.slots.acquire(ctx, m.cfg.GracePeriod.Std()); err != nil {
		return err
	}

	mail, err := m.store.PendingMail(ctx, agent.AgentID)
	if err != nil {
		m.slots.release()
		return err
	}
	bodies := make([]string, 0, len(mail))
	ids := make([]string, 0, len(mail))
	for _, msg := range mail {
		bodies = append(bodies, msg.Body)
		ids = append(ids, msg.ID)
	}

	if err := m.runner.Resume(ctx, bridge.ResumeRequest{
		AgentID:   agent.AgentID,
		SessionID: agent.SessionID,
		Worktree:  agent.Worktree,
		Prompt:    reason,
		Mail:      bodies,
	}); err != nil {
		m.slots.release()
		return fmt.Errorf("failed to resume agent session: %w", err)
	}
	if err := m.store.MarkMailDelivered(ctx, ids...); err != nil {
		m.logger.Error("Failed to mark mail delivered", "agent_id", agent.AgentID, "error", err)
	}

	if err := m.activate(ctx, agent, role); err != nil {
		return err
	}

	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentState,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "agent woken: " + reason,
		Payload: map[string]any{"mail_delivered": len(mail)},
	})
	m.logger.Info("Agent woken", "agent_id", agent.AgentID, "reason", reason, "mail", len(mail))
	return nil
}

// Retire moves an agent to a terminal state, cancelling any running session
// and freeing its slot.
func (m *Manager) Retire(ctx context.Context, agent *models.Agent, status models.AgentStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("retire requires a terminal status, got %s", status)
	}
	wasActive := agent.Status == models.AgentActive

	if m.runner != nil {
		if err := m.runner.Cancel(ctx, agent.AgentID); err != nil {
			m.logger.Warn("Failed to cancel agent session", "agent_id", agent.AgentID, "error", err)
		}
	}
	if err := m.store.UpdateAgentStatus(ctx, agent.ID, status, reason); err != nil {
		return err
	}
	m.stopHeartbeat(agent.ID)
	if wasActive {
		m.slots.release()
	}
	agent.Status = status

	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentState,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: fmt.Sprintf("agent retired: %s", status),
		Payload: map[string]any{"reason": reason},
	})
	m.logger.Info("Agent retired", "agent_id", agent.AgentID, "status", status, "reason", reason)
	return nil
}

// RetireAndNotify retires the agent and delivers a synthetic resting signal
// to the done sink so the owning stage still advances. For use outside the
// bridge signal path (iteration cap, reconciler force-fail). Delivery is
// asynchronous because the caller may hold the run lock the engine needs to
// apply the stage transition.
func (m *Manager) RetireAndNotify(ctx context.Context, agent *models.Agent, status models.AgentStatus, reason string) error {
	if err := m.Retire(ctx, agent, status, reason); err != nil {
		return err
	}
	sig := bridge.Signal{
		Kind:      signalKindFor(status),
		AgentID:   agent.AgentID,
		SessionID: agent.SessionID,
		Reason:    reason,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.notifyDone(context.Background(), agent, sig)
	}()
	return nil
}

func signalKindFor(status models.AgentStatus) bridge.SignalKind {
	switch status {
	case models.AgentCompleted:
		return bridge.SignalCompleted
	case models.AgentEscalated:
		return bridge.SignalEscalated
	default:
		return bridge.SignalFailed
	}
}

// ActiveCount returns the number of occupied agent slots.
func (m *Manager) ActiveCount() int { return m.slots.used() }

// MaxActive returns the configured slot capacity.
func (m *Manager) MaxActive() int { return m.cfg.MaxActive }

// AdoptActive re-arms heartbeats for agents found active at startup that
// still have live sessions on this instance's watch. Called by the
// reconciler after it has decided which actives are orphans.
func (m *Manager) AdoptActive(ctx context.Context, agent *models.Agent) error {
	if err := m.slots.tryAcquire(); err != nil {
		return err
	}
	role := m.cfg.Role(agent.Role)
	interval := role.MaxActiveDuration.Std() / 10
	if interval > heartbeatCeiling || interval <= 0 {
		interval = heartbeatCeiling
	}
	m.startHeartbeat(agent.ID, interval)

	// Re-arm the watchdog from the persisted deadline, not a fresh budget.
	remaining := role.MaxActiveDuration.Std()
	if agent.ActiveDeadline != nil {
		remaining = time.Until(*agent.ActiveDeadline)
	}
	if remaining < time.Second {
		remaining = time.Second
	}
	m.armWatchdog(agent.ID, remaining)
	return nil
}
