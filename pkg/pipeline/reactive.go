package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/template"
)

// HandleReactiveEvent routes an event to every live run on its scope:
// on_events directives first, then the run's current waiting stage (gate
// re-evaluation, human input).
func (e *Engine) HandleReactiveEvent(ctx context.Context, ev *models.Event) {
	for _, run := range e.liveRunsForEvent(ctx, ev) {
		e.reactOnRun(ctx, run, ev)
	}
}

// liveRunsForEvent collects non-terminal runs scoped to the event's PR or
// issue, including multi-PR runs associated with the PR.
func (e *Engine) liveRunsForEvent(ctx context.Context, ev *models.Event) []*models.PipelineRun {
	seen := map[string]bool{}
	var out []*models.PipelineRun

	if pr := ev.PRNumber(); pr > 0 {
		runs, err := e.store.RunsForPR(ctx, ev.Repo.FullName(), pr)
		if err != nil {
			e.logger.Error("Failed to find runs for PR", "pr", pr, "error", err)
		}
		for _, r := range runs {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}

	for _, status := range []models.RunStatus{models.RunRunning, models.RunWaiting} {
		runs, err := e.store.ListRunsByStatus(ctx, status)
		if err != nil {
			e.logger.Error("Failed to list live runs", "status", status, "error", err)
			continue
		}
		for _, r := range runs {
			if seen[r.ID] || r.Repo != ev.Repo.FullName() {
				continue
			}
			if pr := ev.PRNumber(); pr > 0 && r.PRNumber != pr {
				continue
			}
			if issue := ev.IssueNumber(); issue > 0 && r.IssueNumber != issue {
				continue
			}
			if ev.PRNumber() == 0 && ev.IssueNumber() == 0 {
				// Repo-wide events (push, status) reach every live run on
				// the repo.
				seen[r.ID] = true
				out = append(out, r)
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return out
}

// reactOnRun applies a single event to a single run under its lock.
func (e *Engine) reactOnRun(ctx context.Context, run *models.PipelineRun, ev *models.Event) {
	unlock := e.lockRun(run.ID)
	defer unlock()

	run, err := e.store.GetRun(ctx, run.ID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	def, err := e.definition(run)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return
	}

	if directive, ok := def.OnEvents[string(ev.Type)]; ok {
		if e.applyDirective(ctx, run, def, directive, ev) {
			return
		}
	}

	if run.CurrentStageID == "" {
		return
	}
	sr, err := e.store.LatestStageAttempt(ctx, run.ID, run.CurrentStageID)
	if err != nil || sr.Status != models.StageWaiting {
		return
	}
	stage := stageConfigFor(def, sr.StageID)
	if stage == nil {
		return
	}

	switch stage.Type {
	case config.StageGate:
		if e.gates.ReactiveTo(stage, ev.Type) {
			e.reevaluateGate(ctx, run, def, stage, sr, ev, false)
		}
	case config.StageHuman:
		e.checkHumanStage(ctx, run, def, stage, sr, ev)
	}
}

// applyDirective executes an on_events directive. Returns true when the
// directive settled the run and stage-level handling should not follow.
func (e *Engine) applyDirective(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, d config.ReactiveDirective, ev *models.Event) bool {
	e.logger.Info("Reactive directive",
		"run_id", run.ID, "event", ev.Type, "action", d.Action)

	switch d.Action {
	case config.ReactiveCancel:
		e.cancelLocked(ctx, run, fmt.Sprintf("event %s", ev.Type))
		return true

	case config.ReactiveInvalidateAndRestart:
		e.invalidateAndRestart(ctx, run, def, d, ev)
		return true

	case config.ReactiveReevaluateGates:
		// Force a re-evaluation even when no condition subscribes to the
		// event type.
		if run.CurrentStageID == "" {
			return true
		}
		sr, err := e.store.LatestStageAttempt(ctx, run.ID, run.CurrentStageID)
		if err != nil || sr.Status != models.StageWaiting {
			return true
		}
		stage := stageConfigFor(def, sr.StageID)
		if stage != nil && stage.Type == config.StageGate {
			e.reevaluateGate(ctx, run, def, stage, sr, ev, true)
		}
		return true

	case config.ReactiveWakeAgent:
		e.wakeRunAgents(ctx, run, ev)
		return false

	case config.ReactiveNotify:
		e.notifyDirective(ctx, run, d, ev)
		return false

	default:
		e.logger.Warn("Unknown reactive action", "run_id", run.ID, "action", d.Action)
		return false
	}
}

// invalidateAndRestart drops invalidated state and restarts the run from the
// configured stage (or the beginning).
func (e *Engine) invalidateAndRestart(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, d config.ReactiveDirective, ev *models.Event) {
	for _, what := range d.Invalidate {
		if what == "approvals" {
			if _, err := e.store.InvalidateApprovals(ctx, run.Repo, run.PRNumber); err != nil {
				e.logger.Error("Failed to invalidate approvals", "run_id", run.ID, "error", err)
			}
		}
	}

	// Settle whatever is in flight before restarting.
	stages, err := e.store.ListStageRuns(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to list stages for restart", "run_id", run.ID, "error", err)
	}
	for _, sr := range stages {
		if sr.Status.IsTerminal() {
			continue
		}
		e.cancelTimer(sr.ID)
		e.cancelTimer(sr.ID + "/timeout")
		if sr.AgentID != "" {
			if agent, aerr := e.store.GetLiveAgent(ctx, sr.AgentID); aerr == nil {
				if rerr := e.agents.Retire(ctx, agent, models.AgentFailed, "pipeline restarted"); rerr != nil {
					e.logger.Error("Failed to retire agent on restart", "agent_id", sr.AgentID, "error", rerr)
				}
			}
		}
		if uerr := e.store.UpdateStageStatus(ctx, sr.ID, models.StageCancelled); uerr != nil {
			e.logger.Error("Failed to cancel stage for restart", "stage_run", sr.ID, "error", uerr)
		}
	}

	from := d.RestartFrom
	if from == "" && len(def.Stages) > 0 {
		from = def.Stages[0].ID
	}
	e.logger.Info("Pipeline restarting", "run_id", run.ID, "from", from, "event", ev.Type)
	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityPipelineStarted,
		RunID:   run.ID,
		Summary: fmt.Sprintf("pipeline %s restarted from %s", run.PipelineName, from),
		Payload: map[string]any{"event": string(ev.Type)},
	})
	e.advance(ctx, run, def, from, ev)
}

// wakeRunAgents force-wakes every sleeping agent bound to the run.
func (e *Engine) wakeRunAgents(ctx context.Context, run *models.PipelineRun, ev *models.Event) {
	sleeping, err := e.store.SleepingAgents(ctx)
	if err != nil {
		e.logger.Error("Failed to list sleeping agents", "run_id", run.ID, "error", err)
		return
	}
	for _, agent := range sleeping {
		if agent.RunID != run.ID {
			continue
		}
		if err := e.agents.Wake(ctx, agent, fmt.Sprintf("directive on event %s", ev.Type)); err != nil {
			e.logger.Error("Failed to wake agent by directive", "agent_id", agent.AgentID, "error", err)
		}
	}
}

func (e *Engine) notifyDirective(ctx context.Context, run *models.PipelineRun, d config.ReactiveDirective, ev *models.Event) {
	number := run.PRNumber
	if number == 0 {
		number = run.IssueNumber
	}
	if number == 0 || d.Message == "" {
		return
	}
	scope := e.templateScope(ctx, run)
	scope["event"] = triggerScope(ev)
	body, err := template.ExpandString(d.Message, scope)
	if err != nil {
		e.logger.Warn("Notify directive template error", "run_id", run.ID, "error", err)
		body = d.Message
	}
	if err := e.forge.CreateComment(ctx, run.Repo, number, body); err != nil {
		e.logger.Warn("Failed to post notify comment", "run_id", run.ID, "error", err)
	}
}

// reevaluateGate re-runs a waiting gate's conditions after a relevant event.
// Checks the event cannot affect reuse their latest recorded result; force
// (the reevaluate_gates directive) and a nil event (restart recovery) re-run
// everything.
func (e *Engine) reevaluateGate(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, ev *models.Event, force bool) {
	var eventType models.EventType
	var cached map[string]models.GateCheck
	trigger := "restart"
	if ev != nil {
		trigger = string(ev.Type)
	}
	if ev != nil && !force {
		eventType = ev.Type
		var err error
		if cached, err = e.store.LatestGateChecks(ctx, sr.ID); err != nil {
			e.logger.Warn("Failed to load cached gate checks", "stage_run", sr.ID, "error", err)
		}
	}
	verdict, err := e.gates.Reevaluate(ctx, stage, e.evalContext(ctx, run, ev), eventType, cached)
	if err != nil {
		e.logger.Error("Gate re-evaluation failed", "run_id", run.ID, "stage", stage.ID, "error", err)
		return
	}
	if len(verdict.Checks) > 0 {
		if err := e.store.RecordGateChecks(ctx, sr.ID, verdict.Checks); err != nil {
			e.logger.Error("Failed to record gate checks", "stage_run", sr.ID, "error", err)
		}
	}
	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityGateEvaluated,
		RunID:   run.ID,
		StageID: stage.ID,
		Summary: fmt.Sprintf("gate %s re-evaluated on %s: passed=%v", stage.ID, trigger, verdict.Passed),
	})
	if !verdict.Passed {
		return
	}
	e.completeStage(ctx, run, def, stage, sr, nil, stage.OnPass)
}

// checkHumanStage tests whether the event satisfies a waiting human stage.
func (e *Engine) checkHumanStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, ev *models.Event) {
	satisfied, output := e.humanSatisfied(ctx, run, stage, ev)
	if !satisfied {
		return
	}
	e.logger.Info("Human stage satisfied",
		"run_id", run.ID, "stage", stage.ID, "wait_for", stage.WaitFor, "sender", ev.Sender)
	e.completeStage(ctx, run, def, stage, sr, output, stage.OnComplete)
}

func (e *Engine) humanSatisfied(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig, ev *models.Event) (bool, map[string]any) {
	switch stage.WaitFor {
	case "approval":
		if ev.Type != models.EventReviewSubmitted || ev.ReviewState() != "approved" {
			return false, nil
		}
		if !e.senderAllowed(stage.From, ev.Sender) {
			return false, nil
		}
		need := stage.Count
		if need <= 0 {
			need = 1
		}
		count := e.humanApprovalCount(ctx, run, stage.From)
		if count < need {
			e.logger.Debug("Approval recorded, waiting for more",
				"run_id", run.ID, "have", count, "need", need)
			return false, nil
		}
		return true, map[string]any{"approvals": count, "approved_by": ev.Sender}

	case "comment":
		if ev.Type != models.EventIssueCommentCreated || !e.senderAllowed(stage.From, ev.Sender) {
			return false, nil
		}
		if stage.Pattern != "" {
			re, err := regexp.Compile(stage.Pattern)
			if err != nil {
				e.logger.Error("Invalid human stage pattern", "stage", stage.ID, "error", err)
				return false, nil
			}
			if !re.MatchString(ev.CommentBody()) {
				return false, nil
			}
		}
		return true, map[string]any{"comment": ev.CommentBody(), "sender": ev.Sender}

	case "label":
		if ev.Type != models.EventPRLabeled && ev.Type != models.EventIssueLabeled {
			return false, nil
		}
		if ev.Label() != stage.Label {
			return false, nil
		}
		return true, map[string]any{"label": ev.Label(), "sender": ev.Sender}

	case "dismiss":
		if ev.Type != models.EventReviewDismissed {
			return false, nil
		}
		return true, map[string]any{"sender": ev.Sender}

	default:
		return false, nil
	}
}

// humanApprovalCount counts current non-stale human approvals on the run's
// PR from reviewers the stage's from group admits.
func (e *Engine) humanApprovalCount(ctx context.Context, run *models.PipelineRun, from string) int {
	approvals, err := e.store.ListApprovals(ctx, run.Repo, run.PRNumber)
	if err != nil {
		e.logger.Error("Failed to list approvals", "run_id", run.ID, "error", err)
		return 0
	}
	count := 0
	for _, a := range approvals {
		if !strings.HasPrefix(a.ReviewerRole, "human:") {
			continue
		}
		if e.senderAllowed(from, strings.TrimPrefix(a.ReviewerRole, "human:")) {
			count++
		}
	}
	return count
}

// senderAllowed applies the from group of a human stage. "maintainers" (the
// default) restricts to the configured maintainer list when one exists;
// "any" accepts anyone; any other value is an exact login.
func (e *Engine) senderAllowed(from, sender string) bool {
	switch from {
	case "", "maintainers":
		if len(e.sys.Maintainers) == 0 {
			return true
		}
		for _, m := range e.sys.Maintainers {
			if m == sender {
				return true
			}
		}
		return false
	case "any":
		return true
	default:
		return from == sender
	}
}
