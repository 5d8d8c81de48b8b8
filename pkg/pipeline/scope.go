package pipeline

import (
	"context"

	"github.com/squadron-hq/squadron/pkg/gate"
	"github.com/squadron-hq/squadron/pkg/models"
)

// triggerScope flattens an event into the map stored as the run's trigger
// context. Payload keys sit alongside the conventional envelope fields.
func triggerScope(ev *models.Event) map[string]any {
	out := make(map[string]any, len(ev.Payload)+5)
	for k, v := range ev.Payload {
		out[k] = v
	}
	out["type"] = string(ev.Type)
	out["sender"] = ev.Sender
	out["repo"] = ev.Repo.FullName()
	out["pr_number"] = ev.PRNumber()
	out["issue_number"] = ev.IssueNumber()
	return out
}

// templateScope builds the evaluation scope for a run's stage templates:
// trigger fields, accumulated run context, and the outputs of every stage's
// most recent attempt.
func (e *Engine) templateScope(ctx context.Context, run *models.PipelineRun) map[string]any {
	stages := map[string]any{}
	srs, err := e.store.ListStageRuns(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to load stage outputs for scope", "run_id", run.ID, "error", err)
	}
	// Later attempts overwrite earlier ones; list order is execution order.
	for _, sr := range srs {
		if sr.BranchKey != "" {
			continue
		}
		stages[sr.StageID] = map[string]any{
			"outputs": sr.Output,
			"status":  string(sr.Status),
		}
	}

	return map[string]any{
		"trigger":      run.TriggerEvent,
		"context":      run.Context,
		"stages":       stages,
		"repo":         run.Repo,
		"pr_number":    run.PRNumber,
		"issue_number": run.IssueNumber,
	}
}

// evalContext builds the gate evaluation context for a run. ev may be nil
// when the evaluation is not event driven (stage entry, delay poll). The
// worktree is the newest agent worktree on the run, so command and
// file_exists checks inspect the tree the agents worked in.
func (e *Engine) evalContext(ctx context.Context, run *models.PipelineRun, ev *models.Event) gate.EvalContext {
	worktree, err := e.store.WorktreeForRun(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to resolve run worktree", "run_id", run.ID, "error", err)
	}
	return gate.EvalContext{
		Repo:        run.Repo,
		PRNumber:    run.PRNumber,
		IssueNumber: run.IssueNumber,
		Worktree:    worktree,
		Event:       ev,
		Maintainers: e.sys.Maintainers,
		Store:       e.store,
		Forge:       e.forge,
	}
}
