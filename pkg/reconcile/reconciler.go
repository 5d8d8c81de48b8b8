// Package reconcile closes the gap between registry state and reality. It
// runs once at startup to resume in-flight pipeline runs and adopt or fail
// agents left over from the previous process, and then periodically to catch
// watchdog-escaped agents, resolved blockers, capacity-parked stages, and
// rows past their retention window.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/forge"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// staleHeartbeatAfter is how long without a heartbeat an ACTIVE agent is
// presumed dead. Twice the heartbeat ceiling plus slack for slow writes.
const staleHeartbeatAfter = 2 * time.Minute

// Engine is the subset of the pipeline engine the reconciler drives.
type Engine interface {
	Rehydrate(ctx context.Context, run *models.PipelineRun) error
}

// Agents is the subset of the lifecycle manager the reconciler drives.
type Agents interface {
	AdoptActive(ctx context.Context, agent *models.Agent) error
	RetireAndNotify(ctx context.Context, agent *models.Agent, status models.AgentStatus, reason string) error
	Wake(ctx context.Context, agent *models.Agent, reason string) error
}

// SessionProbe answers whether an agent still has a live runtime session on
// this instance. A nil probe means no session survives a restart.
type SessionProbe interface {
	Alive(agentID string) bool
}

// Reconciler owns startup recovery and the periodic sweep.
type Reconciler struct {
	store      *registry.Store
	activity   *events.ActivityLog
	engine     Engine
	agents     Agents
	probe      SessionProbe
	forge      forge.Client
	sys        config.SystemConfig
	instanceID string
	logger     *slog.Logger

	lastSweep atomic.Int64 // unix nanos of the last completed sweep

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a reconciler. probe may be nil when the runner cannot report
// session liveness.
func New(store *registry.Store, activity *events.ActivityLog, engine Engine, agents Agents, probe SessionProbe, fg forge.Client, sys config.SystemConfig, instanceID string) *Reconciler {
	return &Reconciler{
		store:      store,
		activity:   activity,
		engine:     engine,
		agents:     agents,
		probe:      probe,
		forge:      fg,
		sys:        sys,
		instanceID: instanceID,
		logger:     slog.With("component", "reconcile"),
		stopCh:     make(chan struct{}),
	}
}

// RecoverStartup resumes registry state after a process start: first settle
// leftover ACTIVE agents (adopt live sessions, fail orphans), then rehydrate
// every non-terminal pipeline run. Agent settlement runs first so rehydration
// sees the final agent state and can fail stages whose agent is gone.
func (r *Reconciler) RecoverStartup(ctx context.Context) error {
	adopted, orphaned := r.recoverAgents(ctx)

	runs, err := r.store.ListRunsByStatus(ctx, models.RunPending, models.RunRunning, models.RunWaiting)
	if err != nil {
		return fmt.Errorf("failed to list live runs for recovery: %w", err)
	}
	for _, run := range runs {
		if err := r.engine.Rehydrate(ctx, run); err != nil {
			r.logger.Error("Run rehydration failed", "run_id", run.ID, "pipeline", run.PipelineName, "error", err)
		}
	}

	active, err := r.store.CountActiveAgents(ctx)
	if err != nil {
		r.logger.Warn("Failed to count active agents after recovery", "error", err)
	}

	r.activity.Record(events.ActivityRecord{
		Type:    events.ActivityReconcile,
		Summary: "startup recovery complete",
		Payload: map[string]any{
			"runs":           len(runs),
			"agents_adopted": adopted,
			"agents_failed":  orphaned,
			"agents_active":  active,
		},
	})
	r.logger.Info("Startup recovery complete",
		"runs", len(runs), "agents_adopted", adopted, "agents_failed", orphaned, "agents_active", active)
	return nil
}

// recoverAgents settles rows left ACTIVE by the previous process. Rows owned
// by another instance with a fresh heartbeat are someone else's problem.
func (r *Reconciler) recoverAgents(ctx context.Context) (adopted, orphaned int) {
	actives, err := r.store.ListAgents(ctx, models.AgentActive)
	if err != nil {
		r.logger.Error("Failed to list active agents for recovery", "error", err)
		return 0, 0
	}
	for _, a := range actives {
		if a.InstanceID != r.instanceID && r.heartbeatFresh(a) {
			continue
		}
		if r.probe != nil && r.probe.Alive(a.AgentID) {
			if err := r.agents.AdoptActive(ctx, a); err != nil {
				r.logger.Error("Failed to adopt agent, failing it", "agent_id", a.AgentID, "error", err)
				r.failAgent(ctx, a, "adoption failed: "+err.Error())
				orphaned++
				continue
			}
			r.logger.Info("Agent adopted across restart", "agent_id", a.AgentID, "role", a.Role)
			adopted++
			continue
		}
		r.failAgent(ctx, a, "orphaned: session did not survive restart")
		orphaned++
	}
	return adopted, orphaned
}

func (r *Reconciler) heartbeatFresh(a *models.Agent) bool {
	return a.LastHeartbeat != nil && time.Since(*a.LastHeartbeat) < staleHeartbeatAfter
}

// Start launches the periodic sweep loop.
func (r *Reconciler) Start() {
	interval := r.sys.ReconcileInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				r.Sweep(ctx)
				cancel()
			case <-r.stopCh:
				return
			}
		}
	}()
	r.logger.Info("Reconciliation sweep started", "interval", interval)
}

// Stop halts the sweep loop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// LastSweep returns when the last sweep completed, zero before the first.
func (r *Reconciler) LastSweep() time.Time {
	n := r.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Sweep is one reconciliation pass. Every step is independent; a failing step
// logs and the pass continues.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	escaped := r.failEscapedAgents(ctx, now)
	woken := r.wakeResolvedBlockers(ctx)
	retried := r.retryParkedStages(ctx)
	r.purge(ctx, now)

	r.lastSweep.Store(now.UnixNano())
	if escaped > 0 || woken > 0 || retried > 0 {
		r.activity.Record(events.ActivityRecord{
			Type:    events.ActivityReconcile,
			Summary: "reconciliation sweep",
			Payload: map[string]any{
				"agents_failed":  escaped,
				"agents_woken":   woken,
				"stages_retried": retried,
			},
		})
	}
	r.logger.Debug("Sweep complete",
		"agents_failed", escaped, "agents_woken", woken, "stages_retried", retried)
}

// failEscapedAgents is the third timeout layer: any agent still ACTIVE past
// its backup deadline escaped both in-process watchdog timers and is
// force-failed here. Agents with stale heartbeats died with their process.
func (r *Reconciler) failEscapedAgents(ctx context.Context, now time.Time) int {
	failed := 0
	handled := map[string]bool{}

	overdue, err := r.store.OverdueAgents(ctx, now)
	if err != nil {
		r.logger.Error("Failed to list overdue agents", "error", err)
	}
	for _, a := range overdue {
		if a.BackupDeadline != nil && now.Before(*a.BackupDeadline) {
			// Between deadlines the in-process watchdog still owns this.
			continue
		}
		r.failAgent(ctx, a, "watchdog-escaped: active past backup deadline")
		handled[a.ID] = true
		failed++
	}

	stale, err := r.store.StaleHeartbeatAgents(ctx, now.Add(-staleHeartbeatAfter))
	if err != nil {
		r.logger.Error("Failed to list stale agents", "error", err)
	}
	for _, a := range stale {
		if handled[a.ID] {
			continue
		}
		if r.probe != nil && a.InstanceID == r.instanceID && r.probe.Alive(a.AgentID) {
			// Session is alive but heartbeats stopped; the write loop is
			// wedged, not the agent. Leave it to the deadline timers.
			r.logger.Warn("Agent heartbeat stale but session alive", "agent_id", a.AgentID)
			continue
		}
		r.failAgent(ctx, a, "stale heartbeat: owning process presumed dead")
		failed++
	}
	return failed
}

func (r *Reconciler) failAgent(ctx context.Context, a *models.Agent, reason string) {
	if err := r.agents.RetireAndNotify(ctx, a, models.AgentFailed, reason); err != nil {
		r.logger.Error("Failed to force-fail agent", "agent_id", a.AgentID, "error", err)
	}
}

// wakeResolvedBlockers wakes sleeping agents whose blocker resolved without
// producing an event we saw (closure during downtime, lost delivery). Only
// conditions the forge can answer by polling are checked.
func (r *Reconciler) wakeResolvedBlockers(ctx context.Context) int {
	if r.forge == nil {
		return 0
	}
	sleeping, err := r.store.SleepingAgents(ctx)
	if err != nil {
		r.logger.Error("Failed to list sleeping agents", "error", err)
		return 0
	}
	woken := 0
	for _, a := range sleeping {
		for _, cond := range a.WakeConditions {
			reason, ok := r.blockerResolved(ctx, a, cond)
			if !ok {
				continue
			}
			if err := r.agents.Wake(ctx, a, reason); err != nil {
				r.logger.Error("Failed to wake agent", "agent_id", a.AgentID, "error", err)
				break
			}
			woken++
			break
		}
	}
	return woken
}

// blockerResolved polls the forge for the state a wake condition waits on.
func (r *Reconciler) blockerResolved(ctx context.Context, a *models.Agent, cond models.WakeCondition) (string, bool) {
	switch models.EventType(cond.EventType) {
	case models.EventIssueClosed:
		number := matchNumber(cond.Match, "issue_number", a.IssueNumber)
		if number <= 0 || a.Repo == "" {
			return "", false
		}
		issue, err := r.forge.GetIssue(ctx, a.Repo, number)
		if err != nil || issue.State != "closed" {
			return "", false
		}
		return fmt.Sprintf("blocker resolved: issue #%d closed", number), true

	case models.EventPRClosed:
		number := matchNumber(cond.Match, "pr_number", a.PRNumber)
		if number <= 0 || a.Repo == "" {
			return "", false
		}
		pr, err := r.forge.GetPullRequest(ctx, a.Repo, number)
		if err != nil || (pr.State != "closed" && !pr.Merged) {
			return "", false
		}
		return fmt.Sprintf("blocker resolved: pull request #%d closed", number), true
	}
	return "", false
}

func matchNumber(match map[string]any, key string, fallback int) int {
	switch v := match[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// retryParkedStages re-executes stages parked pending on agent capacity. The
// engine's rehydration path retries the current stage when it is pending.
func (r *Reconciler) retryParkedStages(ctx context.Context) int {
	parked, err := r.store.ListStageRunsByStatus(ctx, models.StagePending)
	if err != nil {
		r.logger.Error("Failed to list parked stages", "error", err)
		return 0
	}
	retried := 0
	seen := map[string]bool{}
	for _, sr := range parked {
		if seen[sr.RunID] {
			continue
		}
		seen[sr.RunID] = true
		run, err := r.store.GetRun(ctx, sr.RunID)
		if err != nil || run.Status.IsTerminal() {
			continue
		}
		if err := r.engine.Rehydrate(ctx, run); err != nil {
			r.logger.Error("Parked stage retry failed", "run_id", run.ID, "error", err)
			continue
		}
		retried++
	}
	return retried
}

// purge drops rows past the retention window: consumed webhook delivery ids
// and activity rows.
func (r *Reconciler) purge(ctx context.Context, now time.Time) {
	retention := r.sys.Retention.Std()
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	if n, err := r.store.PurgeDeliveries(ctx, cutoff); err != nil {
		r.logger.Error("Failed to purge deliveries", "error", err)
	} else if n > 0 {
		r.logger.Info("Purged delivery records", "count", n)
	}
	if n, err := r.activity.PurgeOlderThan(ctx, cutoff); err != nil {
		r.logger.Error("Failed to purge activity rows", "error", err)
	} else if n > 0 {
		r.logger.Info("Purged activity rows", "count", n)
	}
}
