package pipeline

import (
	"context"
	"fmt"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
)

// resolveTransition follows a transition after a stage finishes. The run
// lock must be held. defaultNext is the declaration-order successor used
// when the transition is omitted; an empty defaultNext completes the run.
func (e *Engine) resolveTransition(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, t *config.Transition, defaultNext string) {
	target := defaultNext
	if !t.IsZero() {
		if t.IsLoop() {
			e.resolveLoop(ctx, run, def, stage, t)
			return
		}
		target = t.Target
	}

	if target == "" {
		e.finishRun(ctx, run, models.RunCompleted, "")
		return
	}
	if config.IsTerminalTarget(target) {
		e.applyTerminal(ctx, run, target, fmt.Sprintf("stage %s -> %s", stage.ID, target))
		return
	}
	e.advance(ctx, run, def, target, nil)
}

// resolveLoop handles a goto transition. The iteration budget counts
// attempts of the loop target; when exhausted the then action applies,
// defaulting to escalation.
func (e *Engine) resolveLoop(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, t *config.Transition) {
	if t.MaxIterations > 0 {
		attempts, err := e.store.AttemptCount(ctx, run.ID, t.Goto)
		if err != nil {
			e.failRun(ctx, run, fmt.Sprintf("failed to count loop attempts: %v", err))
			return
		}
		if attempts >= t.MaxIterations {
			then := t.Then
			if then == "" {
				then = config.TerminalEscalate
			}
			e.logger.Warn("Loop budget exhausted",
				"run_id", run.ID, "goto", t.Goto, "max_iterations", t.MaxIterations, "then", then)
			if config.IsTerminalTarget(then) {
				e.applyTerminal(ctx, run, then,
					fmt.Sprintf("loop %s -> %s exhausted after %d iterations", stage.ID, t.Goto, attempts))
				return
			}
			e.advance(ctx, run, def, then, nil)
			return
		}
	}
	e.advance(ctx, run, def, t.Goto, nil)
}

// applyTerminal ends the run with a reserved terminal target.
func (e *Engine) applyTerminal(ctx context.Context, run *models.PipelineRun, target, reason string) {
	switch target {
	case config.TerminalComplete:
		e.finishRun(ctx, run, models.RunCompleted, "")
	case config.TerminalFail:
		e.failRun(ctx, run, reason)
	case config.TerminalEscalate:
		e.escalateRun(ctx, run, reason)
	case config.TerminalCancel:
		e.cancelLocked(ctx, run, reason)
	}
}

func (e *Engine) failRun(ctx context.Context, run *models.PipelineRun, msg string) {
	e.finishRun(ctx, run, models.RunFailed, msg)
}

// escalateRun ends the run escalated and surfaces it on the forge: the
// escalation label goes on the PR or issue and the maintainers group is
// mentioned in a comment.
func (e *Engine) escalateRun(ctx context.Context, run *models.PipelineRun, reason string) {
	e.finishRun(ctx, run, models.RunEscalated, reason)

	number := run.PRNumber
	if number == 0 {
		number = run.IssueNumber
	}
	if number == 0 {
		return
	}
	if e.sys.EscalationLabel != "" {
		if err := e.forge.AddLabel(ctx, run.Repo, number, e.sys.EscalationLabel); err != nil {
			e.logger.Warn("Failed to add escalation label", "run_id", run.ID, "error", err)
		}
	}
	body := fmt.Sprintf("Pipeline `%s` escalated: %s", run.PipelineName, reason)
	if e.sys.MaintainersGroup != "" {
		body = fmt.Sprintf("@%s %s", e.sys.MaintainersGroup, body)
	}
	if err := e.forge.CreateComment(ctx, run.Repo, number, body); err != nil {
		e.logger.Warn("Failed to post escalation comment", "run_id", run.ID, "error", err)
	}
}
