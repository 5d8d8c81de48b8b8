package lifecycle

import (
	"context"
	"time"

	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
)

// watchdogOpTimeout bounds the registry and runner calls a fired timer makes.
const watchdogOpTimeout = time.Minute

// watchdogTimers holds the two per-agent deadline timers. The primary fires
// at the active deadline and requests cooperative shutdown; the backup fires
// one backupGrace later and force-fails the agent if the primary's work never
// landed.
type watchdogTimers struct {
	primary *time.Timer
	backup  *time.Timer
}

func (t *watchdogTimers) stop() {
	t.primary.Stop()
	t.backup.Stop()
}

// armWatchdog schedules the primary and backup deadline timers for an agent
// entering ACTIVE. Re-arming (wake after sleep) replaces the previous pair.
func (m *Manager) armWatchdog(rowID string, duration time.Duration) {
	m.watchdogsMu.Lock()
	defer m.watchdogsMu.Unlock()
	if t, ok := m.watchdogs[rowID]; ok {
		t.stop()
	}
	m.watchdogs[rowID] = &watchdogTimers{
		primary: time.AfterFunc(duration, func() { m.watchdogFired(rowID) }),
		backup:  time.AfterFunc(duration+backupGrace, func() { m.backupFired(rowID) }),
	}
}

func (m *Manager) disarmWatchdog(rowID string) {
	m.watchdogsMu.Lock()
	defer m.watchdogsMu.Unlock()
	if t, ok := m.watchdogs[rowID]; ok {
		t.stop()
		delete(m.watchdogs, rowID)
	}
}

// watchdogFired handles an agent exceeding max_active_duration: cancel the
// session, give it the grace period to wind down on its own, then force
// escalation if it is still active.
func (m *Manager) watchdogFired(rowID string) {
	select {
	case <-m.stopCh:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), watchdogOpTimeout)
	defer cancel()

	agent, err := m.store.GetAgent(ctx, rowID)
	if err != nil || agent.Status != models.AgentActive {
		return
	}
	m.logger.Warn("Watchdog fired, cancelling agent session",
		"agent_id", agent.AgentID, "role", agent.Role)
	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityEscalation,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "watchdog: max active duration reached",
	})
	if m.runner != nil {
		if err := m.runner.Cancel(ctx, agent.AgentID); err != nil {
			m.logger.Warn("Watchdog cancel failed", "agent_id", agent.AgentID, "error", err)
		}
	}
	// Cooperative window: a well-behaved runtime emits a terminal signal in
	// response to the cancel, which retires the agent before this fires.
	time.AfterFunc(m.cfg.GracePeriod.Std(), func() {
		m.forceExpire(rowID, models.AgentEscalated, bridge.SignalEscalated,
			"max active duration exceeded")
	})
}

// backupFired is the second enforcement layer. It only acts when the primary
// watchdog failed to retire the agent by deadline plus grace.
func (m *Manager) backupFired(rowID string) {
	select {
	case <-m.stopCh:
		return
	default:
	}
	m.forceExpire(rowID, models.AgentFailed, bridge.SignalFailed,
		"watchdog failure: active past backup deadline")
}

// forceExpire retires an agent still ACTIVE past its deadline and notifies
// the engine with a synthetic terminal signal so the owning stage follows its
// error handling.
func (m *Manager) forceExpire(rowID string, status models.AgentStatus, kind bridge.SignalKind, reason string) {
	select {
	case <-m.stopCh:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), watchdogOpTimeout)
	defer cancel()

	agent, err := m.store.GetAgent(ctx, rowID)
	if err != nil || agent.Status != models.AgentActive {
		return
	}
	m.logger.Error("Force-expiring agent", "agent_id", agent.AgentID, "reason", reason)
	synthetic := bridge.Signal{
		Kind:      kind,
		AgentID:   agent.AgentID,
		SessionID: agent.SessionID,
		Reason:    reason,
	}
	m.retireAndNotify(ctx, agent, synthetic, status, reason)
}
