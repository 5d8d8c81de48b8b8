package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/template"
)

// advance creates a new attempt of the named stage and executes it. The run
// lock must be held. ev carries the event that caused the advance, when any.
func (e *Engine) advance(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stageID string, ev *models.Event) {
	stage := def.Stage(stageID)
	if stage == nil {
		e.failRun(ctx, run, fmt.Sprintf("transition targets unknown stage %q", stageID))
		return
	}

	sr := &models.StageRun{
		RunID:     run.ID,
		StageID:   stage.ID,
		StageType: string(stage.Type),
		Status:    models.StageRunning,
	}
	if err := e.store.CreateStageRun(ctx, sr); err != nil {
		e.failRun(ctx, run, fmt.Sprintf("failed to create stage run for %s: %v", stageID, err))
		return
	}
	if err := e.store.SetCurrentStage(ctx, run.ID, stage.ID); err != nil {
		e.logger.Error("Failed to set current stage", "run_id", run.ID, "error", err)
	}
	run.CurrentStageID = stage.ID

	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityStageStarted,
		RunID:   run.ID,
		StageID: stage.ID,
		Summary: fmt.Sprintf("stage %s started (%s, attempt %d)", stage.ID, stage.Type, sr.AttemptNumber),
	})
	e.logger.Info("Stage started",
		"run_id", run.ID, "stage", stage.ID, "type", stage.Type, "attempt", sr.AttemptNumber)

	e.executeStage(ctx, run, def, stage, sr, ev)
}

// executeStage dispatches on the stage type. Synchronous stages resolve
// their transition before returning; waiting stages leave the stage run in a
// non-terminal state and return.
func (e *Engine) executeStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, ev *models.Event) {
	if stage.Timeout > 0 {
		e.armStageTimeout(run.ID, sr.ID, stage.Timeout.Std())
	}

	switch stage.Type {
	case config.StageAgent:
		e.execAgentStage(ctx, run, def, stage, sr)
	case config.StageGate:
		e.execGateStage(ctx, run, def, stage, sr, ev)
	case config.StageHuman:
		e.execHumanStage(ctx, run, stage, sr)
	case config.StageParallel:
		e.execParallelStage(ctx, run, def, stage, sr)
	case config.StageDelay:
		e.execDelayStage(ctx, run, stage, sr)
	case config.StageAction:
		e.execActionStage(ctx, run, def, stage, sr)
	case config.StageWebhook:
		e.execWebhookStage(ctx, run, def, stage, sr)
	case config.StagePipeline:
		e.execPipelineStage(ctx, run, def, stage, sr, ev)
	default:
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("unknown stage type %q", stage.Type))
	}
}

// execAgentStage spawns (or resumes) the stage's agent. The stage stays
// running until the lifecycle manager reports the agent's resting state
// through onAgentDone.
func (e *Engine) execAgentStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun) {
	scope := e.templateScope(ctx, run)
	prompt, err := template.ExpandString(stage.Action, scope)
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("prompt template: %v", err))
		return
	}

	spec := lifecycle.CreateSpec{
		Role:            stage.Agent,
		RunID:           run.ID,
		StageRunID:      sr.ID,
		Repo:            run.Repo,
		PRNumber:        run.PRNumber,
		IssueNumber:     run.IssueNumber,
		Prompt:          prompt,
		Context:         scope,
		ExpectedOutputs: stage.ExpectedOutputs,
		ContinueSession: stage.ContinueSession,
	}
	if stage.ContinueSession {
		spec.PriorSessionID = e.priorSessionID(ctx, run, stage.Agent)
		if spec.PriorSessionID == "" {
			// No completed predecessor to continue; the runtime starts
			// fresh and the stage records the reset on completion.
			e.markSessionReset(sr.ID)
		}
	}

	agent, err := e.agents.Create(ctx, spec)
	if err != nil {
		if errors.Is(err, lifecycle.ErrCapacity) || errors.Is(err, lifecycle.ErrSingletonBusy) {
			// Stage stays pending until the reconciler retries it with a
			// free slot.
			if uerr := e.store.UpdateStageStatus(ctx, sr.ID, models.StagePending); uerr != nil {
				e.logger.Error("Failed to park stage on capacity", "stage_run", sr.ID, "error", uerr)
			}
			e.logger.Warn("Agent stage parked, no capacity",
				"run_id", run.ID, "stage", stage.ID, "error", err)
			return
		}
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("agent spawn: %v", err))
		return
	}

	if err := e.store.SetStageAgent(ctx, sr.ID, agent.AgentID); err != nil {
		e.logger.Error("Failed to bind agent to stage", "stage_run", sr.ID, "error", err)
	}
	sr.AgentID = agent.AgentID
}

// priorSessionID finds the newest incarnation of the role on this run's
// scope so continue_session resumes its conversation. Only sessions whose
// agent completed are reused; a failed or escalated predecessor leaves
// context of unknown quality behind, so its session is abandoned.
func (e *Engine) priorSessionID(ctx context.Context, run *models.PipelineRun, role string) string {
	agents, err := e.store.ListAgents(ctx, models.AgentCompleted)
	if err != nil {
		e.logger.Error("Failed to list agents for session continuation", "error", err)
		return ""
	}
	var best *models.Agent
	for _, a := range agents {
		if a.Role != role || a.Repo != run.Repo || a.SessionID == "" {
			continue
		}
		if a.PRNumber != run.PRNumber || a.IssueNumber != run.IssueNumber {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return ""
	}
	return best.SessionID
}

// execGateStage evaluates the gate immediately. A failed gate with reactive
// conditions parks the stage as waiting; relevant events re-evaluate it.
func (e *Engine) execGateStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, ev *models.Event) {
	e.seedReviewRequirements(ctx, run, stage)
	verdict, err := e.gates.Evaluate(ctx, stage, e.evalContext(ctx, run, ev))
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("gate evaluation: %v", err))
		return
	}
	if err := e.store.RecordGateChecks(ctx, sr.ID, verdict.Checks); err != nil {
		e.logger.Error("Failed to record gate checks", "stage_run", sr.ID, "error", err)
	}
	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityGateEvaluated,
		RunID:   run.ID,
		StageID: stage.ID,
		Summary: fmt.Sprintf("gate %s: passed=%v", stage.ID, verdict.Passed),
	})

	if verdict.Passed {
		e.completeStage(ctx, run, def, stage, sr, nil, stage.OnPass)
		return
	}

	if !stage.OnFail.IsZero() {
		if err := e.store.CompleteStageRun(ctx, sr.ID, models.StageFailed, nil, "gate conditions not met"); err != nil {
			e.logger.Error("Failed to fail gate stage", "stage_run", sr.ID, "error", err)
		}
		e.stageFinishedActivity(run, stage.ID, models.StageFailed)
		e.resolveTransition(ctx, run, def, stage, stage.OnFail, "")
		return
	}

	// No on_fail: the gate waits for events that can flip the verdict.
	if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageWaiting); err != nil {
		e.logger.Error("Failed to park gate stage", "stage_run", sr.ID, "error", err)
	}
	e.logger.Info("Gate waiting for conditions", "run_id", run.ID, "stage", stage.ID)
}

// seedReviewRequirements records the per-role approval counts an approval
// gate declares in its require map, so merge readiness is answerable from
// the registry alone.
func (e *Engine) seedReviewRequirements(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig) {
	checks := make([]config.CheckConfig, 0, len(stage.Conditions)+len(stage.AnyOf))
	checks = append(checks, stage.Conditions...)
	checks = append(checks, stage.AnyOf...)
	for _, check := range checks {
		if check.Type != "pr_approvals_met" {
			continue
		}
		pr := run.PRNumber
		if check.PR > 0 {
			pr = check.PR
		}
		if pr == 0 {
			continue
		}
		require, ok := check.Params["require"].(map[string]any)
		if !ok {
			continue
		}
		for role, v := range require {
			count := outputInt(v)
			if count < 1 {
				count = 1
			}
			if err := e.store.SetReviewRequirement(ctx, run.Repo, pr, role, count); err != nil {
				e.logger.Error("Failed to seed review requirement",
					"run_id", run.ID, "pr", pr, "role", role, "error", err)
			}
		}
	}
}

// execHumanStage posts the entry notification and parks the stage until a
// matching human event arrives.
func (e *Engine) execHumanStage(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig, sr *models.StageRun) {
	if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageWaiting); err != nil {
		e.logger.Error("Failed to park human stage", "stage_run", sr.ID, "error", err)
		return
	}

	if run.PRNumber > 0 && stage.AutoAssign && len(e.sys.Maintainers) > 0 {
		if err := e.forge.RequestReviewers(ctx, run.Repo, run.PRNumber, e.sys.Maintainers); err != nil {
			e.logger.Warn("Failed to auto-assign reviewers", "run_id", run.ID, "error", err)
		}
	}
	if stage.Notify != nil && stage.Notify.Entry != "" {
		body, err := template.ExpandString(stage.Notify.Entry, e.templateScope(ctx, run))
		if err != nil {
			e.logger.Warn("Human stage entry template error", "stage", stage.ID, "error", err)
			body = stage.Notify.Entry
		}
		issue := run.PRNumber
		if issue == 0 {
			issue = run.IssueNumber
		}
		if issue > 0 {
			if err := e.forge.CreateComment(ctx, run.Repo, issue, body); err != nil {
				e.logger.Warn("Failed to post human stage notification", "run_id", run.ID, "error", err)
			}
		}
	}
	e.armReminder(run, sr.ID, stage)
	e.logger.Info("Waiting for human input",
		"run_id", run.ID, "stage", stage.ID, "wait_for", stage.WaitFor)
}

// armReminder nags on the PR or issue while a human stage stays waiting. The
// loop re-checks the stage on every tick and exits once it settles, so a
// reminder cannot outlive its stage.
func (e *Engine) armReminder(run *models.PipelineRun, stageRunID string, stage *config.StageConfig) {
	if stage.Notify == nil || stage.Notify.Reminder <= 0 {
		return
	}
	issue := run.PRNumber
	if issue == 0 {
		issue = run.IssueNumber
	}
	if issue == 0 {
		return
	}

	cancelCh := make(chan struct{})
	e.registerTimer(stageRunID, func() { close(cancelCh) })

	go func() {
		ticker := time.NewTicker(stage.Notify.Reminder.Std())
		defer ticker.Stop()
		for {
			select {
			case <-cancelCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				sr, err := e.store.GetStageRun(ctx, stageRunID)
				if err != nil || sr.Status != models.StageWaiting {
					cancel()
					e.cancelTimer(stageRunID)
					return
				}
				body := fmt.Sprintf("Still waiting on %s for stage `%s`.", stage.WaitFor, stage.ID)
				if err := e.forge.CreateComment(ctx, run.Repo, issue, body); err != nil {
					e.logger.Warn("Failed to post reminder", "stage_run", stageRunID, "error", err)
				}
				cancel()
			}
		}
	}()
}

// execDelayStage parks the stage and arms a timer for the configured
// duration. With a poll block the check runs at each interval and completes
// the stage early on pass.
func (e *Engine) execDelayStage(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig, sr *models.StageRun) {
	if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageWaiting); err != nil {
		e.logger.Error("Failed to park delay stage", "stage_run", sr.ID, "error", err)
		return
	}
	e.armDelay(run.ID, sr.ID, stage, time.Until(sr.StartedAt.Add(stage.Duration.Std())))
}

// armDelay starts the delay goroutine. remaining may be shorter than the
// configured duration when the stage is rehydrated after a restart.
func (e *Engine) armDelay(runID, stageRunID string, stage *config.StageConfig, remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	cancelCh := make(chan struct{})
	e.registerTimer(stageRunID, func() { close(cancelCh) })

	go func() {
		deadline := time.NewTimer(remaining)
		defer deadline.Stop()

		var tick <-chan time.Time
		if stage.Poll != nil && stage.Poll.Interval > 0 {
			ticker := time.NewTicker(stage.Poll.Interval.Std())
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-cancelCh:
				return
			case <-deadline.C:
				e.delayElapsed(stageRunID, false)
				return
			case <-tick:
				if e.delayPollPasses(stageRunID, stage) {
					e.delayElapsed(stageRunID, true)
					return
				}
			}
		}
	}()
}

// delayPollPasses evaluates the poll check outside the run lock.
func (e *Engine) delayPollPasses(stageRunID string, stage *config.StageConfig) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sr, err := e.store.GetStageRun(ctx, stageRunID)
	if err != nil || sr.Status != models.StageWaiting {
		return false
	}
	run, err := e.store.GetRun(ctx, sr.RunID)
	if err != nil {
		return false
	}

	check, ok := e.gates.Registry().Get(stage.Poll.Check.Type)
	if !ok {
		e.logger.Error("Delay poll references unknown check", "check", stage.Poll.Check.Type)
		return false
	}
	ec := e.evalContext(ctx, run, nil)
	if stage.Poll.Check.PR > 0 {
		ec.PRNumber = stage.Poll.Check.PR
	}
	res, err := check.Evaluate(ctx, ec, stage.Poll.Check.Params)
	if err != nil {
		e.logger.Warn("Delay poll check error", "stage_run", stageRunID, "error", err)
		return false
	}
	return res.Passed
}

// delayElapsed finishes a delay stage when the timer fires or the poll
// passes. Runs on the timer goroutine, so it takes the run lock itself.
func (e *Engine) delayElapsed(stageRunID string, early bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.cancelTimer(stageRunID)
	sr, err := e.store.GetStageRun(ctx, stageRunID)
	if err != nil {
		e.logger.Error("Delay fired for missing stage run", "stage_run", stageRunID, "error", err)
		return
	}
	run, err := e.store.GetRun(ctx, sr.RunID)
	if err != nil {
		e.logger.Error("Delay fired for missing run", "stage_run", stageRunID, "error", err)
		return
	}

	unlock := e.lockRun(run.ID)
	defer unlock()

	// Re-read under the lock; the stage may have been cancelled meanwhile.
	sr, err = e.store.GetStageRun(ctx, stageRunID)
	if err != nil || sr.Status != models.StageWaiting || run.Status.IsTerminal() {
		return
	}

	def, err := e.definition(run)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return
	}
	stage := def.Stage(sr.StageID)
	if stage == nil {
		e.failRun(ctx, run, fmt.Sprintf("delay stage %s missing from snapshot", sr.StageID))
		return
	}
	output := map[string]any{"early": early}
	e.completeStage(ctx, run, def, stage, sr, output, stage.OnComplete)
}

// armStageTimeout force-fails a stage that overstays its timeout.
func (e *Engine) armStageTimeout(runID, stageRunID string, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		e.stageTimedOut(runID, stageRunID)
	})
	e.registerTimer(stageRunID+"/timeout", func() { timer.Stop() })
}

func (e *Engine) stageTimedOut(runID, stageRunID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock := e.lockRun(runID)
	defer unlock()

	sr, err := e.store.GetStageRun(ctx, stageRunID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	def, err := e.definition(run)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return
	}
	stage := def.Stage(sr.StageID)
	if stage == nil {
		return
	}

	e.logger.Warn("Stage timed out", "run_id", runID, "stage", sr.StageID)
	e.cancelTimer(stageRunID)
	if sr.AgentID != "" {
		if agent, aerr := e.store.GetLiveAgent(ctx, sr.AgentID); aerr == nil {
			if rerr := e.agents.Retire(ctx, agent, models.AgentFailed, "stage timeout"); rerr != nil {
				e.logger.Error("Failed to retire timed-out agent", "agent_id", sr.AgentID, "error", rerr)
			}
		}
	}
	if err := e.store.CompleteStageRun(ctx, sr.ID, models.StageFailed, nil, "stage timeout"); err != nil {
		e.logger.Error("Failed to fail timed-out stage", "stage_run", sr.ID, "error", err)
		return
	}
	e.stageFinishedActivity(run, sr.StageID, models.StageFailed)

	t := stage.OnTimeout
	if t.IsZero() {
		e.escalateRun(ctx, run, fmt.Sprintf("stage %s timed out", sr.StageID))
		return
	}
	e.resolveTransition(ctx, run, def, stage, t, "")
}

// completeStage marks the stage attempt completed and follows the given
// transition (falling back to on_complete, then declaration order). Branch
// attempts feed the parallel join instead of resolving a transition.
func (e *Engine) completeStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, output map[string]any, t *config.Transition) {
	e.cancelTimer(sr.ID + "/timeout")
	e.cancelTimer(sr.ID)
	if err := e.store.CompleteStageRun(ctx, sr.ID, models.StageCompleted, output, ""); err != nil {
		e.logger.Error("Failed to complete stage", "stage_run", sr.ID, "error", err)
		return
	}
	e.stageFinishedActivity(run, stage.ID, models.StageCompleted)
	e.absorbOutputs(ctx, run, output)

	if sr.BranchKey != "" {
		e.branchFinished(ctx, run, def, sr)
		return
	}
	if t.IsZero() {
		t = stage.OnComplete
	}
	e.resolveTransition(ctx, run, def, stage, t, def.StageAfter(stage.ID))
}

// absorbOutputs folds a completed stage's outputs into the run's accumulated
// context and registers any PR the stage produced, so later stages can
// template over earlier results and reactive events for that PR reach this
// run. Failures here are logged, not fatal: the stage already completed.
func (e *Engine) absorbOutputs(ctx context.Context, run *models.PipelineRun, output map[string]any) {
	if len(output) == 0 {
		return
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	for k, v := range output {
		run.Context[k] = v
	}
	if err := e.store.UpdateRunContext(ctx, run.ID, run.Context); err != nil {
		e.logger.Error("Failed to persist run context", "run_id", run.ID, "error", err)
	}

	pr := outputInt(output["pr_number"])
	if pr == 0 || pr == run.PRNumber {
		return
	}
	if err := e.store.AssociatePR(ctx, run.ID, run.Repo, pr); err != nil {
		e.logger.Error("Failed to associate stage PR", "run_id", run.ID, "pr", pr, "error", err)
		return
	}
	e.logger.Info("Run associated with stage-produced PR", "run_id", run.ID, "pr", pr)

	if run.Scope != string(config.ScopeMultiPR) {
		return
	}
	seq, err := e.store.SequenceForRun(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to load PR sequence", "run_id", run.ID, "error", err)
		return
	}
	for _, st := range seq {
		if st.PRNumber == pr {
			return
		}
	}
	branch, _ := output["branch"].(string)
	state := &models.SequenceState{
		RunID:    run.ID,
		Repo:     run.Repo,
		Position: len(seq),
		PRNumber: pr,
		Branch:   branch,
		Status:   "open",
	}
	if err := e.store.UpsertSequenceState(ctx, state); err != nil {
		e.logger.Error("Failed to record sequence state", "run_id", run.ID, "pr", pr, "error", err)
	}
}

// outputInt reads a numeric stage output that may arrive as a JSON float.
func outputInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// stageFailed records the failure and follows on_error, defaulting to
// failing the run. Branch attempts feed the parallel join instead.
func (e *Engine) stageFailed(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, msg string) {
	e.cancelTimer(sr.ID + "/timeout")
	e.cancelTimer(sr.ID)
	if err := e.store.CompleteStageRun(ctx, sr.ID, models.StageFailed, nil, msg); err != nil {
		e.logger.Error("Failed to record stage failure", "stage_run", sr.ID, "error", err)
	}
	e.stageFinishedActivity(run, stage.ID, models.StageFailed)
	e.logger.Error("Stage failed", "run_id", run.ID, "stage", stage.ID, "error", msg)

	if sr.BranchKey != "" {
		e.branchFinished(ctx, run, def, sr)
		return
	}
	if stage.OnError.IsZero() {
		e.failRun(ctx, run, fmt.Sprintf("stage %s: %s", stage.ID, msg))
		return
	}
	e.resolveTransition(ctx, run, def, stage, stage.OnError, "")
}

func (e *Engine) stageFinishedActivity(run *models.PipelineRun, stageID string, status models.StageStatus) {
	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityStageFinished,
		RunID:   run.ID,
		StageID: stageID,
		Summary: fmt.Sprintf("stage %s finished: %s", stageID, status),
	})
}
