package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
)

// Rehydrate resumes a live run after a process restart: timers are re-armed
// from persisted timestamps, capacity-parked stages retry, and stage or
// child-run outcomes that landed while the process was down are applied.
func (e *Engine) Rehydrate(ctx context.Context, run *models.PipelineRun) error {
	unlock := e.lockRun(run.ID)
	defer unlock()

	run, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() || run.CurrentStageID == "" {
		return nil
	}
	def, err := e.definition(run)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return err
	}

	sr, err := e.store.LatestStageAttempt(ctx, run.ID, run.CurrentStageID)
	if err != nil {
		return fmt.Errorf("run %s has no attempt for current stage %s: %w", run.ID, run.CurrentStageID, err)
	}
	stage := stageConfigFor(def, sr.StageID)
	if stage == nil {
		e.failRun(ctx, run, fmt.Sprintf("stage %s missing from snapshot", sr.StageID))
		return nil
	}

	if sr.Status.IsTerminal() {
		// Crash landed between stage completion and transition resolution.
		// Re-resolving is safe: transitions are derived from persisted state.
		switch sr.Status {
		case models.StageCompleted:
			e.resolveTransition(ctx, run, def, stage, stage.OnComplete, def.StageAfter(stage.ID))
		default:
			e.resolveTransition(ctx, run, def, stage, stage.OnError, "")
		}
		return nil
	}

	if stage.Timeout > 0 {
		remaining := time.Until(sr.StartedAt.Add(stage.Timeout.Std()))
		if remaining <= 0 {
			e.logger.Warn("Stage timeout elapsed during downtime", "run_id", run.ID, "stage", sr.StageID)
			go e.stageTimedOut(run.ID, sr.ID)
			return nil
		}
		e.armStageTimeout(run.ID, sr.ID, remaining)
	}

	switch stage.Type {
	case config.StageDelay:
		e.armDelay(run.ID, sr.ID, stage, time.Until(sr.StartedAt.Add(stage.Duration.Std())))

	case config.StageAgent:
		e.rehydrateAgentStage(ctx, run, def, stage, sr)

	case config.StageParallel:
		e.rehydrateBranches(ctx, run, def, stage)
		e.checkJoin(ctx, run, def, stage)

	case config.StagePipeline:
		e.rehydratePipelineStage(ctx, run, def, stage, sr)

	case config.StageHuman:
		if sr.Status == models.StageWaiting {
			e.armReminder(run, sr.ID, stage)
		}

	case config.StageGate:
		// Re-evaluate once; conditions may have been satisfied while down.
		if sr.Status == models.StageWaiting {
			e.reevaluateGate(ctx, run, def, stage, sr, nil, false)
		}

	case config.StageAction, config.StageWebhook:
		// Synchronous stages found non-terminal mean the crash interrupted
		// the call. Retry the whole stage; forge actions are idempotent or
		// conflict-mapped.
		e.executeStage(ctx, run, def, stage, sr, nil)
	}
	return nil
}

// rehydrateAgentStage re-binds a running agent stage to its agent, retries
// capacity-parked attempts, and fails over attempts whose agent vanished.
func (e *Engine) rehydrateAgentStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun) {
	if sr.Status == models.StagePending {
		e.executeStage(ctx, run, def, stage, sr, nil)
		return
	}
	if sr.AgentID == "" {
		e.stageFailed(ctx, run, def, stage, sr, "agent stage has no agent after restart")
		return
	}
	agent, err := e.store.GetLiveAgent(ctx, sr.AgentID)
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, "agent lost across restart")
		return
	}
	// Sleeping and blocked agents need nothing here; active agents are
	// adopted by the agent reconciliation pass.
	e.logger.Info("Agent stage rehydrated",
		"run_id", run.ID, "stage", sr.StageID, "agent_id", agent.AgentID, "agent_status", agent.Status)
}

// rehydrateBranches walks the branch attempts of a parallel stage and
// restores the ones that wait on timers or agents.
func (e *Engine) rehydrateBranches(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig) {
	for key := range stage.Branches {
		bsr, err := e.store.LatestStageAttempt(ctx, run.ID, branchStageID(stage.ID, key))
		if err != nil || bsr.Status.IsTerminal() {
			continue
		}
		branch := stageConfigFor(def, branchStageID(stage.ID, key))
		if branch == nil {
			continue
		}
		switch branch.Type {
		case config.StageDelay:
			e.armDelay(run.ID, bsr.ID, branch, time.Until(bsr.StartedAt.Add(branch.Duration.Std())))
		case config.StageAgent:
			e.rehydrateAgentStage(ctx, run, def, branch, bsr)
		case config.StageAction, config.StageWebhook:
			e.executeStage(ctx, run, def, branch, bsr, nil)
		}
	}
}

// rehydratePipelineStage applies a child run outcome that finished while the
// parent was down.
func (e *Engine) rehydratePipelineStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun) {
	children, err := e.store.ChildRuns(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to list child runs", "run_id", run.ID, "error", err)
		return
	}
	var child *models.PipelineRun
	for _, c := range children {
		if c.ParentStageID == stage.ID {
			if child == nil || c.StartedAt.After(child.StartedAt) {
				child = c
			}
		}
	}
	if child == nil {
		// Crash landed before the child was created.
		e.executeStage(ctx, run, def, stage, sr, nil)
		return
	}
	if child.Status.IsTerminal() {
		e.childFinished(ctx, child)
	}
}
