package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
)

// branchStageID composes the stage run id for a branch of a parallel stage.
func branchStageID(parallelID, branchKey string) string {
	return parallelID + ":" + branchKey
}

// stageConfigFor resolves the stage configuration for a stage run, reaching
// into parallel branches for composite ids.
func stageConfigFor(def *config.PipelineDefinition, stageID string) *config.StageConfig {
	if parallelID, branchKey, ok := strings.Cut(stageID, ":"); ok {
		parallel := def.Stage(parallelID)
		if parallel == nil {
			return nil
		}
		branch, ok := parallel.Branches[branchKey]
		if !ok {
			return nil
		}
		bc := *branch
		bc.ID = stageID
		return &bc
	}
	return def.Stage(stageID)
}

// execParallelStage parks the parent stage and launches one attempt per
// branch. Branch completions re-enter through branchFinished, which decides
// the join.
func (e *Engine) execParallelStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun) {
	if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageWaiting); err != nil {
		e.logger.Error("Failed to park parallel stage", "stage_run", sr.ID, "error", err)
		return
	}

	keys := make([]string, 0, len(stage.Branches))
	for k := range stage.Branches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		branch := stageConfigFor(def, branchStageID(stage.ID, key))
		bsr := &models.StageRun{
			RunID:     run.ID,
			StageID:   branch.ID,
			StageType: string(branch.Type),
			BranchKey: key,
			Status:    models.StageRunning,
		}
		if err := e.store.CreateStageRun(ctx, bsr); err != nil {
			e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("branch %s: %v", key, err))
			return
		}
		e.logger.Info("Branch started", "run_id", run.ID, "stage", stage.ID, "branch", key)
		e.executeStage(ctx, run, def, branch, bsr, nil)
		if e.runTerminal(ctx, run) {
			return
		}
	}
	// All branches may have finished synchronously.
	e.checkJoin(ctx, run, def, stage)
}

func (e *Engine) runTerminal(ctx context.Context, run *models.PipelineRun) bool {
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return false
	}
	return fresh.Status.IsTerminal()
}

// branchFinished is called after a branch attempt reaches a terminal state.
func (e *Engine) branchFinished(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, bsr *models.StageRun) {
	parallelID, _, _ := strings.Cut(bsr.StageID, ":")
	parallel := def.Stage(parallelID)
	if parallel == nil {
		e.failRun(ctx, run, fmt.Sprintf("branch %s has no parallel stage in snapshot", bsr.StageID))
		return
	}
	e.checkJoin(ctx, run, def, parallel)
}

// checkJoin evaluates the join condition of a parallel stage against the
// latest attempt of each branch.
func (e *Engine) checkJoin(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig) {
	parent, err := e.store.LatestStageAttempt(ctx, run.ID, stage.ID)
	if err != nil {
		e.logger.Error("Failed to load parallel stage for join", "run_id", run.ID, "stage", stage.ID, "error", err)
		return
	}
	if parent.Status != models.StageWaiting {
		// A prior branch already decided the join.
		return
	}

	completed := 0
	failed := 0
	pending := 0
	outputs := map[string]any{}
	for key := range stage.Branches {
		bsr, err := e.store.LatestStageAttempt(ctx, run.ID, branchStageID(stage.ID, key))
		if err != nil {
			pending++
			continue
		}
		switch bsr.Status {
		case models.StageCompleted:
			completed++
			outputs[key] = bsr.Output
		case models.StageFailed, models.StageCancelled:
			failed++
		case models.StageSkipped:
			// Cancelled by a prior join decision; counts as neither.
		default:
			pending++
		}
	}

	pass, reject := joinVerdict(stage.Join, len(stage.Branches), completed, failed, pending)
	if !pass && !reject {
		return
	}

	if pass {
		e.skipRemainingBranches(ctx, run, stage)
		e.completeStage(ctx, run, def, stage, parent, outputs, stage.OnComplete)
		return
	}

	e.skipRemainingBranches(ctx, run, stage)
	if !stage.OnAnyReject.IsZero() {
		if err := e.store.CompleteStageRun(ctx, parent.ID, models.StageFailed, outputs, "branch rejected"); err != nil {
			e.logger.Error("Failed to fail parallel stage", "stage_run", parent.ID, "error", err)
		}
		e.stageFinishedActivity(run, stage.ID, models.StageFailed)
		e.resolveTransition(ctx, run, def, stage, stage.OnAnyReject, "")
		return
	}
	e.stageFailed(ctx, run, def, stage, parent,
		fmt.Sprintf("%d of %d branches failed", failed, len(stage.Branches)))
}

// joinVerdict decides whether the join has passed, been rejected, or still
// waits. join is "all" (default), "any", or a number of required passes.
func joinVerdict(join string, total, completed, failed, pending int) (pass, reject bool) {
	switch join {
	case "", "all":
		if failed > 0 {
			return false, true
		}
		return completed == total, false
	case "any":
		if completed > 0 {
			return true, false
		}
		return false, pending == 0
	default:
		need, err := strconv.Atoi(join)
		if err != nil || need <= 0 {
			need = total
		}
		if completed >= need {
			return true, false
		}
		// Reject once the requirement is unreachable.
		return false, completed+pending < need
	}
}

// skipRemainingBranches stops branches that no longer matter after the join
// decided: agents retire, timers stop, and the attempts are marked skipped.
func (e *Engine) skipRemainingBranches(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig) {
	for key := range stage.Branches {
		bsr, err := e.store.LatestStageAttempt(ctx, run.ID, branchStageID(stage.ID, key))
		if err != nil || bsr.Status.IsTerminal() {
			continue
		}
		e.cancelTimer(bsr.ID)
		e.cancelTimer(bsr.ID + "/timeout")
		if bsr.AgentID != "" {
			if agent, aerr := e.store.GetLiveAgent(ctx, bsr.AgentID); aerr == nil {
				if rerr := e.agents.Retire(ctx, agent, models.AgentFailed, "parallel join decided"); rerr != nil {
					e.logger.Error("Failed to retire branch agent", "agent_id", bsr.AgentID, "error", rerr)
				}
			}
		}
		if err := e.store.UpdateStageStatus(ctx, bsr.ID, models.StageSkipped); err != nil {
			e.logger.Error("Failed to skip branch", "stage_run", bsr.ID, "error", err)
		}
	}
}
