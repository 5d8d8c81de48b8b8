package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// HandleSignal is the bridge signal sink. Counting signals (tool calls,
// turns) update resource counters and trip circuit breakers; resting signals
// (completed, blocked, escalated, failed) transition the agent and notify the
// engine.
func (m *Manager) HandleSignal(ctx context.Context, sig bridge.Signal) {
	agent, err := m.store.GetLiveAgent(ctx, sig.AgentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// Signal from a session we already retired (cancel races the
			// runtime's last output).
			m.logger.Debug("Signal for retired agent dropped", "agent_id", sig.AgentID, "kind", sig.Kind)
			return
		}
		m.logger.Error("Failed to resolve signalling agent", "agent_id", sig.AgentID, "error", err)
		return
	}

	switch sig.Kind {
	case bridge.SignalToolCall:
		m.handleToolCall(ctx, agent, sig)
	case bridge.SignalTurn:
		m.handleTurn(ctx, agent, sig)
	case bridge.SignalOutput:
		m.activity.Record(events.ActivityRecord{
			Type:    events.ActivityAgentOutput,
			AgentID: agent.AgentID,
			RunID:   agent.RunID,
			Summary: "agent produced output",
			Payload: sig.Outputs,
		})
	case bridge.SignalCompleted:
		m.handleCompleted(ctx, agent, sig)
	case bridge.SignalBlocked:
		m.handleBlocked(ctx, agent, sig)
	case bridge.SignalEscalated:
		m.retireAndNotify(ctx, agent, sig, models.AgentEscalated, sig.Reason)
	case bridge.SignalFailed:
		m.retireAndNotify(ctx, agent, sig, models.AgentFailed, sig.Reason)
	default:
		m.logger.Warn("Unknown signal kind", "agent_id", sig.AgentID, "kind", sig.Kind)
	}
}

func (m *Manager) handleToolCall(ctx context.Context, agent *models.Agent, sig bridge.Signal) {
	updated, err := m.store.RecordActivity(ctx, agent.ID, 1, 0, 0)
	if err != nil {
		m.logger.Error("Failed to count tool call", "agent_id", agent.AgentID, "error", err)
		return
	}
	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentToolCall,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "tool call",
		Payload: sig.Outputs,
	})

	role := m.cfg.Role(agent.Role)
	if updated.ToolCallCount > role.MaxToolCalls {
		m.tripBreaker(ctx, updated, sig,
			fmt.Sprintf("tool call cap %d exceeded", role.MaxToolCalls))
	}
}

func (m *Manager) handleTurn(ctx context.Context, agent *models.Agent, sig bridge.Signal) {
	updated, err := m.store.RecordActivity(ctx, agent.ID, 0, 1, 0)
	if err != nil {
		m.logger.Error("Failed to count turn", "agent_id", agent.AgentID, "error", err)
		return
	}
	role := m.cfg.Role(agent.Role)
	if updated.TurnCount > role.MaxTurns {
		m.tripBreaker(ctx, updated, sig,
			fmt.Sprintf("turn cap %d exceeded", role.MaxTurns))
	}
}

// tripBreaker force-retires a runaway agent. The engine sees an escalated
// signal so the owning stage follows its on_error transition.
func (m *Manager) tripBreaker(ctx context.Context, agent *models.Agent, sig bridge.Signal, reason string) {
	m.logger.Warn("Circuit breaker tripped", "agent_id", agent.AgentID, "reason", reason)
	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityEscalation,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "circuit breaker: " + reason,
	})
	synthetic := bridge.Signal{
		Kind:      bridge.SignalEscalated,
		AgentID:   sig.AgentID,
		SessionID: sig.SessionID,
		Reason:    reason,
	}
	m.retireAndNotify(ctx, agent, synthetic, models.AgentEscalated, reason)
}

func (m *Manager) handleCompleted(ctx context.Context, agent *models.Agent, sig bridge.Signal) {
	if err := m.store.UpdateAgentStatus(ctx, agent.ID, models.AgentCompleted, ""); err != nil {
		m.logger.Error("Failed to complete agent", "agent_id", agent.AgentID, "error", err)
		return
	}
	m.stopHeartbeat(agent.ID)
	m.slots.release()
	agent.Status = models.AgentCompleted

	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentState,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "agent completed",
		Payload: sig.Outputs,
	})
	m.notifyDone(ctx, agent, sig)
}

// handleBlocked parses the wake conditions the agent declared. With
// conditions the agent sleeps; without any it is stuck and marked blocked for
// the reconciler and humans to see.
func (m *Manager) handleBlocked(ctx context.Context, agent *models.Agent, sig bridge.Signal) {
	conds := parseWakeConditions(sig.Outputs)
	if len(conds) > 0 {
		if err := m.Sleep(ctx, agent, conds); err != nil {
			m.logger.Error("Failed to sleep blocked agent", "agent_id", agent.AgentID, "error", err)
			return
		}
		m.notifyDone(ctx, agent, sig)
		return
	}

	if err := m.store.UpdateAgentStatus(ctx, agent.ID, models.AgentBlocked, sig.Reason); err != nil {
		m.logger.Error("Failed to mark agent blocked", "agent_id", agent.AgentID, "error", err)
		return
	}
	m.stopHeartbeat(agent.ID)
	m.slots.release()
	agent.Status = models.AgentBlocked
	agent.BlockedReason = sig.Reason

	m.activity.Record(events.ActivityRecord{
		Type:    events.ActivityAgentState,
		AgentID: agent.AgentID,
		RunID:   agent.RunID,
		Summary: "agent blocked: " + sig.Reason,
	})
	m.notifyDone(ctx, agent, sig)
}

func (m *Manager) retireAndNotify(ctx context.Context, agent *models.Agent, sig bridge.Signal, status models.AgentStatus, reason string) {
	if err := m.Retire(ctx, agent, status, reason); err != nil {
		m.logger.Error("Failed to retire agent", "agent_id", agent.AgentID, "error", err)
		return
	}
	m.notifyDone(ctx, agent, sig)
}

// parseWakeConditions reads the agent's declared wake_on list from its
// signal outputs. Malformed entries are skipped.
func parseWakeConditions(outputs map[string]any) []models.WakeCondition {
	raw, ok := outputs["wake_on"]
	if !ok {
		return nil
	}
	// Round-trip through JSON to normalize the runtime's loosely typed list.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var conds []models.WakeCondition
	if err := json.Unmarshal(data, &conds); err != nil {
		return nil
	}
	out := conds[:0]
	for _, c := range conds {
		if c.EventType != "" {
			out = append(out, c)
		}
	}
	return out
}
