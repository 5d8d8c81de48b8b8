package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/models"
)

// SetEmitter registers the sink for synthetic agent.* events. The router
// feeds them back through the normal event path so other agents' wake
// conditions can match on them.
func (e *Engine) SetEmitter(emit func(*models.Event)) { e.emit = emit }

// onAgentDone is the lifecycle completion sink: it advances the stage that
// owns the agent once the agent reaches a resting state.
func (e *Engine) onAgentDone(ctx context.Context, agent *models.Agent, sig bridge.Signal) {
	e.emitAgentEvent(agent, sig)

	if agent.StageRunID == "" {
		return
	}
	sr, err := e.store.GetStageRun(ctx, agent.StageRunID)
	if err != nil {
		e.logger.Error("Agent done for missing stage run", "agent_id", agent.AgentID, "error", err)
		return
	}

	unlock := e.lockRun(sr.RunID)
	defer unlock()

	// Re-read under the lock; a timeout or cancel may have settled the
	// stage while the signal was in flight.
	sr, err = e.store.GetStageRun(ctx, agent.StageRunID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	run, err := e.store.GetRun(ctx, sr.RunID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	def, err := e.definition(run)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return
	}
	stage := stageConfigFor(def, sr.StageID)
	if stage == nil {
		e.failRun(ctx, run, fmt.Sprintf("agent stage %s missing from snapshot", sr.StageID))
		return
	}

	reset := false
	if sig.Kind != bridge.SignalBlocked {
		reset = e.takeSessionReset(sr.ID)
	}

	switch sig.Kind {
	case bridge.SignalCompleted:
		if missing := missingOutputs(stage.ExpectedOutputs, sig.Outputs); len(missing) > 0 {
			e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf(
				"agent %s completed without outputs: %s", agent.AgentID, strings.Join(missing, ", ")))
			return
		}
		outputs := sig.Outputs
		if reset {
			if outputs == nil {
				outputs = map[string]any{}
			}
			outputs["session_reset"] = true
		}
		e.completeStage(ctx, run, def, stage, sr, outputs, stage.OnComplete)
	case bridge.SignalBlocked:
		// Sleeping agents keep their stage open; the stage finishes when a
		// wake leads to completion. A hard-blocked agent also parks the
		// stage, leaving the reconciler and humans to resolve it.
		if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageWaiting); err != nil {
			e.logger.Error("Failed to park agent stage", "stage_run", sr.ID, "error", err)
		}
	case bridge.SignalEscalated:
		if err := e.store.CompleteStageRun(ctx, sr.ID, models.StageFailed, sig.Outputs, sig.Reason); err != nil {
			e.logger.Error("Failed to fail escalated stage", "stage_run", sr.ID, "error", err)
		}
		e.stageFinishedActivity(run, sr.StageID, models.StageFailed)
		if sr.BranchKey != "" {
			e.branchFinished(ctx, run, def, sr)
			return
		}
		if stage.OnError.IsZero() {
			e.escalateRun(ctx, run, fmt.Sprintf("agent %s escalated: %s", agent.AgentID, sig.Reason))
			return
		}
		e.resolveTransition(ctx, run, def, stage, stage.OnError, "")
	case bridge.SignalFailed:
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("agent %s failed: %s", agent.AgentID, sig.Reason))
	}
}

// missingOutputs returns the declared output keys a completion did not carry.
func missingOutputs(expected []string, outputs map[string]any) []string {
	var missing []string
	for _, key := range expected {
		if _, ok := outputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// emitAgentEvent republishes the agent's resting state as an event so wake
// conditions of other agents can react to it.
func (e *Engine) emitAgentEvent(agent *models.Agent, sig bridge.Signal) {
	if e.emit == nil {
		return
	}
	var typ models.EventType
	switch sig.Kind {
	case bridge.SignalCompleted:
		typ = models.EventAgentCompleted
	case bridge.SignalBlocked:
		typ = models.EventAgentBlocked
	case bridge.SignalEscalated, bridge.SignalFailed:
		typ = models.EventAgentEscalated
	default:
		return
	}

	owner, name, _ := strings.Cut(agent.Repo, "/")
	payload := map[string]any{
		"agent_id": agent.AgentID,
		"role":     agent.Role,
		"reason":   sig.Reason,
	}
	if agent.PRNumber > 0 {
		payload["pr_number"] = agent.PRNumber
	}
	if agent.IssueNumber > 0 {
		payload["issue_number"] = agent.IssueNumber
	}
	e.emit(&models.Event{
		Type:       typ,
		DeliveryID: fmt.Sprintf("agent-%s-%s", agent.ID, sig.Kind),
		Sender:     agent.AgentID,
		Repo:       models.Repository{Owner: owner, Name: name},
		Payload:    payload,
	})
}
