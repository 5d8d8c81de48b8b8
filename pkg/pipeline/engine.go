// Package pipeline implements the pipeline engine: trigger matching, stage
// execution, transition resolution, reactive event handling, and cascade
// cancellation. Every state change is written to the registry before its
// side effect runs, so a crash between the two is recoverable by
// reconciliation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/forge"
	"github.com/squadron-hq/squadron/pkg/gate"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// ErrRunNotCancellable indicates the run is already terminal.
var ErrRunNotCancellable = fmt.Errorf("pipeline run is not cancellable")

// Engine drives pipeline runs. One engine per instance; per-run mutexes
// serialize state changes for a run while letting distinct runs progress
// concurrently.
type Engine struct {
	store    *registry.Store
	defs     *config.DefinitionStore
	agents   *lifecycle.Manager
	gates    *gate.Evaluator
	forge    forge.Client
	activity *events.ActivityLog
	sys      config.SystemConfig
	logger   *slog.Logger

	runLocks   map[string]*sync.Mutex
	runLocksMu sync.Mutex

	timers   map[string]func() // stage run ID -> cancel
	timersMu sync.Mutex

	// sessionResets marks stage runs whose agent started fresh even though
	// continue_session was requested; the flag surfaces in stage outputs.
	sessionResets   map[string]bool
	sessionResetsMu sync.Mutex

	// emit republishes synthetic agent.* events into the event path.
	emit func(*models.Event)
}

// NewEngine wires the pipeline engine and registers itself as the lifecycle
// manager's completion sink.
func NewEngine(store *registry.Store, defs *config.DefinitionStore, agents *lifecycle.Manager,
	gates *gate.Evaluator, forgeClient forge.Client, activity *events.ActivityLog, sys config.SystemConfig) *Engine {
	e := &Engine{
		store:         store,
		defs:          defs,
		agents:        agents,
		gates:         gates,
		forge:         forgeClient,
		activity:      activity,
		sys:           sys,
		logger:        slog.With("component", "pipeline"),
		runLocks:      make(map[string]*sync.Mutex),
		timers:        make(map[string]func()),
		sessionResets: make(map[string]bool),
	}
	agents.OnDone(e.onAgentDone)
	return e
}

// lockRun serializes run-level transitions. Lock entries are never removed;
// the map grows with run count, which is bounded by the listing retention
// and is a few dozen bytes per run.
func (e *Engine) lockRun(runID string) func() {
	e.runLocksMu.Lock()
	mu, ok := e.runLocks[runID]
	if !ok {
		mu = &sync.Mutex{}
		e.runLocks[runID] = mu
	}
	e.runLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// HandleTriggerEvent starts a run for every triggered definition matching
// the event. A definition with a live run on the same scope target is
// skipped; the event reaches that run through the reactive path instead.
func (e *Engine) HandleTriggerEvent(ctx context.Context, ev *models.Event) {
	for _, def := range e.defs.Triggered() {
		if def.Trigger.Event != string(ev.Type) {
			continue
		}
		if !e.triggerConditionsMet(def, ev) {
			continue
		}

		existing, err := e.store.ActiveRunForScope(ctx, def.Name, ev.Repo.FullName(), ev.PRNumber(), ev.IssueNumber())
		if err != nil {
			e.logger.Error("Failed to check for duplicate run", "pipeline", def.Name, "error", err)
			continue
		}
		if existing != nil {
			e.logger.Debug("Trigger suppressed, run already live",
				"pipeline", def.Name, "run_id", existing.ID)
			continue
		}

		if _, err := e.StartPipeline(ctx, def, ev, "", ""); err != nil {
			if errors.Is(err, registry.ErrDuplicateDelivery) {
				e.logger.Debug("Trigger suppressed, delivery already consumed",
					"pipeline", def.Name, "delivery_id", ev.DeliveryID)
				continue
			}
			e.logger.Error("Failed to start pipeline", "pipeline", def.Name, "error", err)
		}
	}
}

// triggerConditionsMet matches the trigger's field conditions against the
// event. All must match.
func (e *Engine) triggerConditionsMet(def *config.PipelineDefinition, ev *models.Event) bool {
	for field, want := range def.Trigger.Conditions {
		var got string
		switch field {
		case "label":
			got = ev.Label()
		case "base_branch":
			got = ev.BaseBranch()
		case "sender":
			got = ev.Sender
		default:
			if v, ok := ev.Payload[field].(string); ok {
				got = v
			}
		}
		if got != want {
			return false
		}
	}
	return true
}

// StartPipeline creates a run from a definition snapshot and advances it to
// its first stage. parentRunID/parentStageID bind sub-pipeline runs to the
// stage awaiting them.
func (e *Engine) StartPipeline(ctx context.Context, def *config.PipelineDefinition, ev *models.Event, parentRunID, parentStageID string) (*models.PipelineRun, error) {
	depth := 0
	var parent *models.PipelineRun
	if parentRunID != "" {
		var err error
		parent, err = e.store.GetRun(ctx, parentRunID)
		if err != nil {
			return nil, err
		}
		depth = parent.NestingDepth + 1
		if depth > config.MaxNestingDepth {
			return nil, fmt.Errorf("pipeline nesting depth %d exceeds limit %d", depth, config.MaxNestingDepth)
		}
	}

	snapshot, err := def.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot definition: %w", err)
	}

	run := &models.PipelineRun{
		PipelineName:       def.Name,
		DefinitionSnapshot: snapshot,
		Status:             models.RunRunning,
		Scope:              string(def.Scope),
		ParentRunID:        parentRunID,
		ParentStageID:      parentStageID,
		NestingDepth:       depth,
		Context:            map[string]any{},
	}
	if ev != nil {
		run.Repo = ev.Repo.FullName()
		run.PRNumber = ev.PRNumber()
		run.IssueNumber = ev.IssueNumber()
		run.TriggerEvent = triggerScope(ev)
		// Sub-pipeline runs carry no delivery ID of their own; the unique
		// constraint anchors dedup to trigger-started runs only.
		if parentRunID == "" {
			run.TriggerDeliveryID = ev.DeliveryID
		}
	} else if parent != nil {
		// Sub-pipelines inherit their parent's scope target and trigger.
		run.Repo = parent.Repo
		run.PRNumber = parent.PRNumber
		run.IssueNumber = parent.IssueNumber
		run.TriggerEvent = parent.TriggerEvent
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if run.PRNumber > 0 {
		if err := e.store.AssociatePR(ctx, run.ID, run.Repo, run.PRNumber); err != nil {
			e.logger.Error("Failed to associate trigger PR", "run_id", run.ID, "error", err)
		}
	}

	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityPipelineStarted,
		RunID:   run.ID,
		Summary: fmt.Sprintf("pipeline %s started", def.Name),
		Payload: map[string]any{"pipeline": def.Name, "pr_number": run.PRNumber, "issue_number": run.IssueNumber},
	})
	e.logger.Info("Pipeline started",
		"pipeline", def.Name, "run_id", run.ID, "repo", run.Repo,
		"pr", run.PRNumber, "issue", run.IssueNumber, "depth", depth)

	if len(def.Stages) == 0 {
		e.finishRun(ctx, run, models.RunCompleted, "")
		return run, nil
	}

	unlock := e.lockRun(run.ID)
	defer unlock()
	e.advance(ctx, run, def, def.Stages[0].ID, nil)
	return run, nil
}

// definition rehydrates the run's snapshot. In-flight runs always execute
// their snapshot, never the live definition set.
func (e *Engine) definition(run *models.PipelineRun) (*config.PipelineDefinition, error) {
	def, err := config.DefinitionFromSnapshot(run.DefinitionSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to decode definition snapshot for run %s: %w", run.ID, err)
	}
	return def, nil
}

// finishRun moves a run to a terminal state, stops timers, and notifies a
// waiting parent stage.
func (e *Engine) finishRun(ctx context.Context, run *models.PipelineRun, status models.RunStatus, msg string) {
	if err := e.store.UpdateRunStatus(ctx, run.ID, status, msg); err != nil {
		e.logger.Error("Failed to finish run", "run_id", run.ID, "error", err)
		return
	}
	run.Status = status
	metrics.PipelineRuns.WithLabelValues(run.PipelineName, string(status)).Inc()

	e.activity.Record(events.ActivityRecord{
		Type:    events.ActivityPipelineFinished,
		RunID:   run.ID,
		Summary: fmt.Sprintf("pipeline %s finished: %s", run.PipelineName, status),
		Payload: map[string]any{"status": string(status), "error": msg},
	})
	e.logger.Info("Pipeline finished", "run_id", run.ID, "pipeline", run.PipelineName, "status", status)

	if run.ParentRunID != "" {
		e.childFinished(ctx, run)
	}
}

// Cancel cancels a run: active stages stop, bound agents retire, child runs
// cancel recursively.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunNotCancellable, runID, run.Status)
	}

	unlock := e.lockRun(runID)
	defer unlock()
	e.cancelLocked(ctx, run, reason)
	return nil
}

func (e *Engine) cancelLocked(ctx context.Context, run *models.PipelineRun, reason string) {
	// Children first, so no child advances its parent mid-cancel.
	children, err := e.store.ChildRuns(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to list child runs for cancel", "run_id", run.ID, "error", err)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		unlockChild := e.lockRun(child.ID)
		e.cancelLocked(ctx, child, "parent cancelled: "+reason)
		unlockChild()
	}

	stages, err := e.store.ListStageRuns(ctx, run.ID)
	if err != nil {
		e.logger.Error("Failed to list stages for cancel", "run_id", run.ID, "error", err)
	}
	for _, sr := range stages {
		if sr.Status.IsTerminal() {
			continue
		}
		e.cancelTimer(sr.ID)
		if sr.AgentID != "" {
			if agent, err := e.store.GetLiveAgent(ctx, sr.AgentID); err == nil {
				if err := e.agents.Retire(ctx, agent, models.AgentFailed, "pipeline cancelled"); err != nil {
					e.logger.Error("Failed to retire agent on cancel", "agent_id", sr.AgentID, "error", err)
				}
			}
		}
		if err := e.store.UpdateStageStatus(ctx, sr.ID, models.StageCancelled); err != nil {
			e.logger.Error("Failed to cancel stage", "stage_run", sr.ID, "error", err)
		}
	}

	e.finishRun(ctx, run, models.RunCancelled, reason)
}

func (e *Engine) markSessionReset(stageRunID string) {
	e.sessionResetsMu.Lock()
	e.sessionResets[stageRunID] = true
	e.sessionResetsMu.Unlock()
}

func (e *Engine) takeSessionReset(stageRunID string) bool {
	e.sessionResetsMu.Lock()
	defer e.sessionResetsMu.Unlock()
	reset := e.sessionResets[stageRunID]
	delete(e.sessionResets, stageRunID)
	return reset
}

func (e *Engine) registerTimer(stageRunID string, cancel func()) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	e.timers[stageRunID] = cancel
}

func (e *Engine) cancelTimer(stageRunID string) {
	e.timersMu.Lock()
	cancel, ok := e.timers[stageRunID]
	if ok {
		delete(e.timers, stageRunID)
	}
	e.timersMu.Unlock()
	if ok {
		cancel()
	}
}
