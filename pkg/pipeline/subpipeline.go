package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
)

// execPipelineStage invokes a sub-pipeline by name and parks the stage until
// the child run finishes. The child resolves against the live definition
// set; only the parent is pinned to its snapshot.
func (e *Engine) execPipelineStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, ev *models.Event) {
	childDef, err := e.defs.Get(stage.Pipeline)
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("sub-pipeline: %v", err))
		return
	}

	if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageWaiting); err != nil {
		e.logger.Error("Failed to park pipeline stage", "stage_run", sr.ID, "error", err)
		return
	}

	// Child start happens on its own goroutine so the child's run lock is
	// never taken while this parent's lock is held.
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := e.StartPipeline(cctx, childDef, ev, run.ID, stage.ID); err != nil {
			e.subPipelineStartFailed(cctx, run.ID, sr.ID, err)
		}
	}()
}

// subPipelineStartFailed fails the waiting pipeline stage when the child
// could not start at all.
func (e *Engine) subPipelineStartFailed(ctx context.Context, runID, stageRunID string, cause error) {
	unlock := e.lockRun(runID)
	defer unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	sr, err := e.store.GetStageRun(ctx, stageRunID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	def, err := e.definition(run)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return
	}
	stage := stageConfigFor(def, sr.StageID)
	if stage == nil {
		e.failRun(ctx, run, fmt.Sprintf("pipeline stage %s missing from snapshot", sr.StageID))
		return
	}
	e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("sub-pipeline start: %v", cause))
}

// childFinished propagates a finished child run into the parent's waiting
// pipeline stage. Called with the child's run lock held, so the parent work
// moves to its own goroutine to keep lock ordering parent-before-child.
func (e *Engine) childFinished(_ context.Context, child *models.PipelineRun) {
	parentRunID := child.ParentRunID
	parentStageID := child.ParentStageID
	childStatus := child.Status
	childName := child.PipelineName
	childID := child.ID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		unlock := e.lockRun(parentRunID)
		defer unlock()

		run, err := e.store.GetRun(ctx, parentRunID)
		if err != nil || run.Status.IsTerminal() {
			return
		}
		sr, err := e.store.LatestStageAttempt(ctx, parentRunID, parentStageID)
		if err != nil || sr.Status != models.StageWaiting {
			return
		}
		def, err := e.definition(run)
		if err != nil {
			e.failRun(ctx, run, err.Error())
			return
		}
		stage := stageConfigFor(def, parentStageID)
		if stage == nil {
			e.failRun(ctx, run, fmt.Sprintf("pipeline stage %s missing from snapshot", parentStageID))
			return
		}

		switch childStatus {
		case models.RunCompleted:
			output := map[string]any{"pipeline": childName, "run_id": childID}
			e.completeStage(ctx, run, def, stage, sr, output, stage.OnComplete)
		case models.RunEscalated:
			if err := e.store.CompleteStageRun(ctx, sr.ID, models.StageFailed, nil, "sub-pipeline escalated"); err != nil {
				e.logger.Error("Failed to fail pipeline stage", "stage_run", sr.ID, "error", err)
			}
			e.stageFinishedActivity(run, stage.ID, models.StageFailed)
			if stage.OnError.IsZero() {
				e.escalateRun(ctx, run, fmt.Sprintf("sub-pipeline %s escalated", childName))
				return
			}
			e.resolveTransition(ctx, run, def, stage, stage.OnError, "")
		default:
			e.stageFailed(ctx, run, def, stage, sr,
				fmt.Sprintf("sub-pipeline %s finished %s", childName, childStatus))
		}
	}()
}
