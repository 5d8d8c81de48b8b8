package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/forge"
	"github.com/squadron-hq/squadron/pkg/gate"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

type engineEnv struct {
	store    *registry.Store
	engine   *Engine
	agents   *lifecycle.Manager
	recorder *bridge.Recorder
	forge    *forge.Fake
}

func parseDefinition(t *testing.T, src string) *config.PipelineDefinition {
	t.Helper()
	var def config.PipelineDefinition
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	return &def
}

func newEngineEnv(t *testing.T, defs ...*config.PipelineDefinition) *engineEnv {
	t.Helper()
	dir := t.TempDir()

	client, err := database.NewClient(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(dir, "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	activity, err := events.OpenActivityLog(filepath.Join(dir, "activity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = activity.Close() })

	store := registry.NewStore(client)

	sys := config.DefaultSystemConfig()
	sys.Maintainers = []string{"alice", "bob"}
	sys.Agents.GracePeriod = config.Duration(50 * time.Millisecond)

	agents := lifecycle.NewManager(store, activity, sys.Agents, "test-instance", filepath.Join(dir, "worktrees"))
	recorder := bridge.NewRecorder(agents.HandleSignal)
	agents.BindRunner(recorder)
	t.Cleanup(agents.Stop)

	defMap := map[string]*config.PipelineDefinition{}
	for _, d := range defs {
		defMap[d.Name] = d
	}
	defStore := config.NewDefinitionStore(&config.Config{System: sys, Pipelines: defMap}, dir, nil)

	fakeForge := forge.NewFake()
	evaluator := gate.NewEvaluator(gate.NewRegistry())
	engine := NewEngine(store, defStore, agents, evaluator, fakeForge, activity, sys)

	return &engineEnv{store: store, engine: engine, agents: agents, recorder: recorder, forge: fakeForge}
}

func prOpenedEvent(pr int) *models.Event {
	return &models.Event{
		Type:       models.EventPROpened,
		DeliveryID: "d-open",
		Sender:     "dev",
		Repo:       models.Repository{Owner: "acme", Name: "widget"},
		Payload:    map[string]any{"pr_number": pr},
	}
}

func (env *engineEnv) singleRun(t *testing.T) *models.PipelineRun {
	t.Helper()
	runs, total, err := env.store.ListRuns(context.Background(), models.ListRunsParams{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	return runs[0]
}

func TestTriggerStartsRunAndSpawnsAgent(t *testing.T) {
	def := parseDefinition(t, `
name: pr-flow
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: "Review PR {{ trigger.pr_number }}"
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, "review", run.CurrentStageID)
	assert.Equal(t, 42, run.PRNumber)

	require.Len(t, env.recorder.Starts, 1)
	assert.Equal(t, "Review PR 42", env.recorder.Starts[0].Prompt)

	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, "pr-review-pr-42", sr.AgentID)
}

func TestDuplicateTriggerSuppressed(t *testing.T) {
	def := parseDefinition(t, `
name: pr-flow
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	_, total, err := env.store.ListRuns(ctx, models.ListRunsParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestTriggerConditionFiltersEvents(t *testing.T) {
	def := parseDefinition(t, `
name: labeled-only
scope: single-pr
trigger:
  event: pull_request.labeled
  conditions:
    label: autopilot
stages:
  - id: note
    type: action
    action: comment
    params:
      body: engaged
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	wrong := &models.Event{
		Type:    models.EventPRLabeled,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 7, "label": "docs"},
	}
	env.engine.HandleTriggerEvent(ctx, wrong)
	_, total, err := env.store.ListRuns(ctx, models.ListRunsParams{})
	require.NoError(t, err)
	assert.Zero(t, total)

	right := &models.Event{
		Type:    models.EventPRLabeled,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 7, "label": "autopilot"},
	}
	env.engine.HandleTriggerEvent(ctx, right)
	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)
}

func TestAgentCompletionAdvancesThroughGateToAction(t *testing.T) {
	def := parseDefinition(t, `
name: review-and-merge
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
  - id: ready
    type: gate
    conditions:
      - type: label_present
        label: approved
  - id: merge
    type: action
    action: merge_pr
    params:
      method: squash
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{
		Number: 42, State: "open", Mergeable: true, Labels: []string{"approved"},
	}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalCompleted, AgentID: "pr-review-pr-42",
		Outputs: map[string]any{"verdict": "lgtm"},
	})

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.True(t, env.forge.PRs["acme/widget#42"].Merged)

	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, sr.Status)
	assert.Equal(t, "lgtm", sr.Output["verdict"])
}

func TestStageOutputsAccumulateAndAssociatePRs(t *testing.T) {
	def := parseDefinition(t, `
name: stacked
scope: multi-pr
trigger:
  event: pull_request.opened
stages:
  - id: split
    type: agent
    agent: feature-dev
    action: split the work
  - id: note
    type: action
    action: comment
    params:
      body: "opened PR {{ context.pr_number }} on {{ context.branch }}"
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalCompleted, AgentID: "feature-dev-pr-42",
		Outputs: map[string]any{"pr_number": 101, "branch": "feat/step-1"},
	})

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)

	// Stage outputs fold into the run's persisted context, so later stages
	// template over them.
	run, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 101, run.Context["pr_number"])
	comments := env.forge.CallsFor("create_comment")
	require.Len(t, comments, 1)
	assert.Equal(t, "opened PR 101 on feat/step-1", comments[0].Arg)

	// The stage-produced PR joins the trigger PR in the run's associations
	// and is tracked in the multi-pr sequence.
	assocs, err := env.store.AssociatedPRs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, assocs, 2)
	assert.Equal(t, 42, assocs[0].PRNumber)
	assert.Equal(t, 101, assocs[1].PRNumber)

	seq, err := env.store.SequenceForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, seq, 1)
	assert.Equal(t, 0, seq[0].Position)
	assert.Equal(t, 101, seq[0].PRNumber)
	assert.Equal(t, "feat/step-1", seq[0].Branch)
	assert.Equal(t, "open", seq[0].Status)
}

func TestIdenticalEventSequenceYieldsIdenticalTransitions(t *testing.T) {
	src := `
name: pr-flow
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
  - id: ready
    type: gate
    conditions:
      - type: label_present
        label: ship-it
  - id: merge
    type: action
    action: merge_pr
    params:
      method: squash
`

	replay := func() []string {
		env := newEngineEnv(t, parseDefinition(t, src))
		ctx := context.Background()

		env.forge.PRs["acme/widget#42"] = &forge.PullRequest{Number: 42, State: "open", Mergeable: true}
		env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
		env.recorder.Emit(ctx, bridge.Signal{Kind: bridge.SignalCompleted, AgentID: "pr-review-pr-42"})
		env.forge.PRs["acme/widget#42"].Labels = []string{"ship-it"}
		env.engine.HandleReactiveEvent(ctx, &models.Event{
			Type:    models.EventPRLabeled,
			Repo:    models.Repository{Owner: "acme", Name: "widget"},
			Payload: map[string]any{"pr_number": 42, "label": "ship-it"},
		})

		run := env.singleRun(t)
		srs, err := env.store.ListStageRuns(ctx, run.ID)
		require.NoError(t, err)
		out := []string{string(run.Status)}
		for _, sr := range srs {
			out = append(out, fmt.Sprintf("%s/%d=%s", sr.StageID, sr.AttemptNumber, sr.Status))
		}
		return out
	}

	first := replay()
	second := replay()
	assert.Equal(t, first, second)
	assert.Equal(t, string(models.RunCompleted), first[0])
}

func TestGateWaitsThenPassesOnReactiveEvent(t *testing.T) {
	def := parseDefinition(t, `
name: wait-for-label
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: ready
    type: gate
    conditions:
      - type: label_present
        label: ship-it
  - id: note
    type: action
    action: comment
    params:
      body: shipping
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{Number: 42, State: "open"}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "ready")
	require.NoError(t, err)
	assert.Equal(t, models.StageWaiting, sr.Status)

	env.forge.PRs["acme/widget#42"].Labels = []string{"ship-it"}
	env.engine.HandleReactiveEvent(ctx, &models.Event{
		Type:    models.EventPRLabeled,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "label": "ship-it"},
	})

	run, err = env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)

	checks, err := env.store.ListGateChecks(ctx, sr.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2) // entry evaluation plus reactive pass
	assert.Equal(t, models.GateFailed, checks[0].Result)
	assert.Equal(t, models.GatePassed, checks[1].Result)
}

func TestReactiveEventReusesCachedCheckResults(t *testing.T) {
	def := parseDefinition(t, `
name: gated-merge
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: ready
    type: gate
    conditions:
      - type: ci_status
      - type: label_present
        label: ship-it
  - id: note
    type: action
    action: comment
    params:
      body: shipping
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{Number: 42, State: "open", HeadSHA: "abc123"}
	env.forge.Statuses["acme/widget@abc123"] = &forge.CheckStatus{State: "success"}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "ready")
	require.NoError(t, err)
	assert.Equal(t, models.StageWaiting, sr.Status)

	// A label event cannot change the CI verdict, so the passing ci_status
	// record is reused and only label_present runs again.
	env.forge.PRs["acme/widget#42"].Labels = []string{"ship-it"}
	env.engine.HandleReactiveEvent(ctx, &models.Event{
		Type:    models.EventPRLabeled,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "label": "ship-it"},
	})

	run, err = env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	checks, err := env.store.ListGateChecks(ctx, sr.ID)
	require.NoError(t, err)
	byType := map[string]int{}
	for _, c := range checks {
		byType[c.CheckType]++
	}
	assert.Equal(t, 1, byType["ci_status"])
	assert.Equal(t, 2, byType["label_present"])
}

func TestContinueSessionReusesCompletedPredecessor(t *testing.T) {
	def := parseDefinition(t, `
name: two-step
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: draft
    type: agent
    agent: feature-dev
    action: draft it
  - id: polish
    type: agent
    agent: feature-dev
    action: polish it
    continue_session: true
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	first, err := env.recorder.SessionFor("feature-dev-pr-42")
	require.NoError(t, err)

	env.recorder.Emit(ctx, bridge.Signal{Kind: bridge.SignalCompleted, AgentID: "feature-dev-pr-42"})

	require.Len(t, env.recorder.Starts, 2)
	assert.Equal(t, first, env.recorder.Starts[1].PriorSessionID)

	env.recorder.Emit(ctx, bridge.Signal{Kind: bridge.SignalCompleted, AgentID: "feature-dev-pr-42"})

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "polish")
	require.NoError(t, err)
	assert.NotContains(t, sr.Output, "session_reset")
}

func TestContinueSessionStartsFreshAfterFailure(t *testing.T) {
	def := parseDefinition(t, `
name: two-step
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: draft
    type: agent
    agent: feature-dev
    action: draft it
    on_error: polish
  - id: polish
    type: agent
    agent: feature-dev
    action: polish it
    continue_session: true
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalFailed, AgentID: "feature-dev-pr-42", Reason: "runtime crash",
	})

	// A failed predecessor's session is abandoned; the replacement starts
	// fresh and the stage records the reset.
	require.Len(t, env.recorder.Starts, 2)
	assert.Empty(t, env.recorder.Starts[1].PriorSessionID)

	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalCompleted, AgentID: "feature-dev-pr-42",
		Outputs: map[string]any{"done": true},
	})

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "polish")
	require.NoError(t, err)
	assert.Equal(t, true, sr.Output["session_reset"])
}

func TestLoopBudgetExhaustionFollowsThen(t *testing.T) {
	def := parseDefinition(t, `
name: nag-loop
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: nag
    type: action
    action: comment
    params:
      body: please fix
    on_complete:
      goto: nag
      max_iterations: 3
      then: fail
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Len(t, env.forge.CallsFor("create_comment"), 3)

	attempts, err := env.store.AttemptCount(ctx, run.ID, "nag")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestParallelJoinAllMergesBranchOutputs(t *testing.T) {
	def := parseDefinition(t, `
name: fanout
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: checks
    type: parallel
    branches:
      security:
        type: action
        action: comment
        params:
          body: security ok
      style:
        type: action
        action: comment
        params:
          body: style ok
    join: all
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)

	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "checks")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, sr.Status)
	assert.Contains(t, sr.Output, "security")
	assert.Contains(t, sr.Output, "style")
	assert.Len(t, env.forge.CallsFor("create_comment"), 2)
}

func TestParallelBranchFailureFollowsOnAnyReject(t *testing.T) {
	def := parseDefinition(t, `
name: fanout-reject
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: checks
    type: parallel
    branches:
      good:
        type: action
        action: comment
        params:
          body: ok
      bad:
        type: action
        action: bogus_action
    join: all
    on_any_reject: cleanup
  - id: cleanup
    type: action
    action: comment
    params:
      body: cleaning up
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)

	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "checks")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, sr.Status)

	cleanup, err := env.store.LatestStageAttempt(ctx, run.ID, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, cleanup.Status)
}

func TestSubPipelineAdvancesParent(t *testing.T) {
	child := parseDefinition(t, `
name: notify
scope: single-pr
stages:
  - id: say
    type: action
    action: comment
    params:
      body: from child
`)
	parent := parseDefinition(t, `
name: parent
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: delegate
    type: pipeline
    pipeline: notify
`)
	env := newEngineEnv(t, parent, child)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	var parentRun *models.PipelineRun
	require.Eventually(t, func() bool {
		runs, _, err := env.store.ListRuns(ctx, models.ListRunsParams{PipelineName: "parent"})
		if err != nil || len(runs) != 1 {
			return false
		}
		parentRun = runs[0]
		return parentRun.Status == models.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)

	children, err := env.store.ChildRuns(ctx, parentRun.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.RunCompleted, children[0].Status)
	assert.Equal(t, 1, children[0].NestingDepth)
	assert.Equal(t, 42, children[0].PRNumber)
	assert.Len(t, env.forge.CallsFor("create_comment"), 1)
}

func TestCancelCascadesToChildAndAgents(t *testing.T) {
	child := parseDefinition(t, `
name: slow-child
scope: single-pr
stages:
  - id: wait
    type: delay
    duration: 1h
`)
	parent := parseDefinition(t, `
name: parent
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: delegate
    type: pipeline
    pipeline: slow-child
`)
	env := newEngineEnv(t, parent, child)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	var parentRun *models.PipelineRun
	require.Eventually(t, func() bool {
		runs, _, err := env.store.ListRuns(ctx, models.ListRunsParams{PipelineName: "parent"})
		if err != nil || len(runs) != 1 {
			return false
		}
		parentRun = runs[0]
		children, err := env.store.ChildRuns(ctx, parentRun.ID)
		return err == nil && len(children) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.engine.Cancel(ctx, parentRun.ID, "operator request"))

	run, err := env.store.GetRun(ctx, parentRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)

	children, err := env.store.ChildRuns(ctx, parentRun.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, models.RunCancelled, children[0].Status)

	// Cancelling again reports the conflict.
	err = env.engine.Cancel(ctx, parentRun.ID, "again")
	assert.ErrorIs(t, err, ErrRunNotCancellable)
}

func TestCompletionMissingExpectedOutputFailsStage(t *testing.T) {
	def := parseDefinition(t, `
name: pr-flow
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
    expected_outputs: [verdict]
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalCompleted, AgentID: "pr-review-pr-42",
		Outputs: map[string]any{"unrelated": true},
	})

	run := env.singleRun(t)
	assert.Equal(t, models.RunFailed, run.Status)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, sr.Status)
	assert.Contains(t, sr.Error, "verdict")
}

func TestCompletionWithExpectedOutputsCompletesStage(t *testing.T) {
	def := parseDefinition(t, `
name: pr-flow
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
    expected_outputs: [verdict]
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalCompleted, AgentID: "pr-review-pr-42",
		Outputs: map[string]any{"verdict": "approve"},
	})

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, "approve", run.Context["verdict"])
}

func TestApprovalGateMergesWhenRequirementsMet(t *testing.T) {
	def := parseDefinition(t, `
name: review-and-merge
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
  - id: ready
    type: gate
    conditions:
      - type: pr_approvals_met
        require:
          human: 1
      - type: no_changes_requested
  - id: merge
    type: action
    action: merge_pr
    params:
      method: squash
      delete_branch: true
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{
		Number: 42, State: "open", Mergeable: true, HeadBranch: "feature/widgets",
	}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.recorder.Emit(ctx, bridge.Signal{Kind: bridge.SignalCompleted, AgentID: "pr-review-pr-42"})

	// Entering the gate seeds the review requirement from the require map
	// and leaves the stage waiting until someone approves.
	run := env.singleRun(t)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "ready")
	require.NoError(t, err)
	assert.Equal(t, models.StageWaiting, sr.Status)

	reqs, err := env.store.ListReviewRequirements(ctx, "acme/widget", 42)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "human", reqs[0].Role)
	assert.Equal(t, 1, reqs[0].RequiredCount)
	assert.Empty(t, env.forge.CallsFor("merge_pull_request"))

	approval := &models.Event{
		Type:    models.EventReviewSubmitted,
		Sender:  "alice",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "review_state": "approved", "review_id": 7},
	}
	env.agents.HandleEvent(ctx, approval, "squadron-bot")
	env.engine.HandleReactiveEvent(ctx, approval)

	run, err = env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	merges := env.forge.CallsFor("merge_pull_request")
	require.Len(t, merges, 1)
	assert.Equal(t, "squash+delete_branch", merges[0].Arg)
	assert.True(t, env.forge.PRs["acme/widget#42"].Merged)
	assert.Empty(t, env.forge.PRs["acme/widget#42"].HeadBranch)
}

func TestSynchronizeStalesApprovalsBeforeMerge(t *testing.T) {
	def := parseDefinition(t, `
name: review-and-merge
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
  - id: ready
    type: gate
    conditions:
      - type: pr_approvals_met
        require:
          human: 1
  - id: merge
    type: action
    action: merge_pr
    params:
      method: squash
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{Number: 42, State: "open", Mergeable: true}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	// Alice approves while the review agent is still working.
	approval := &models.Event{
		Type:    models.EventReviewSubmitted,
		Sender:  "alice",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "review_state": "approved", "review_id": 7},
	}
	env.agents.HandleEvent(ctx, approval, "squadron-bot")
	env.engine.HandleReactiveEvent(ctx, approval)

	// New commits land before the gate is reached; the approval goes stale.
	sync := &models.Event{
		Type:    models.EventPRSynchronize,
		Sender:  "dev",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42},
	}
	env.agents.HandleEvent(ctx, sync, "squadron-bot")
	env.engine.HandleReactiveEvent(ctx, sync)

	env.recorder.Emit(ctx, bridge.Signal{Kind: bridge.SignalCompleted, AgentID: "pr-review-pr-42"})

	run := env.singleRun(t)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "ready")
	require.NoError(t, err)
	assert.Equal(t, models.StageWaiting, sr.Status)
	assert.Empty(t, env.forge.CallsFor("merge_pull_request"))

	// A fresh approval after the push satisfies the requirement.
	again := &models.Event{
		Type:    models.EventReviewSubmitted,
		Sender:  "bob",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "review_state": "approved", "review_id": 8},
	}
	env.agents.HandleEvent(ctx, again, "squadron-bot")
	env.engine.HandleReactiveEvent(ctx, again)

	run, err = env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, env.forge.CallsFor("merge_pull_request"), 1)
}

func TestHumanApprovalStage(t *testing.T) {
	def := parseDefinition(t, `
name: human-gate
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: signoff
    type: human
    wait_for: approval
    from: maintainers
    count: 1
  - id: note
    type: action
    action: comment
    params:
      body: approved by {{ stages.signoff.outputs.approved_by }}
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "signoff")
	require.NoError(t, err)
	assert.Equal(t, models.StageWaiting, sr.Status)

	approval := &models.Event{
		Type:    models.EventReviewSubmitted,
		Sender:  "alice",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "review_state": "approved", "review_id": 1},
	}
	// The lifecycle hook records the approval before the engine reacts,
	// mirroring the router's dispatch order.
	env.agents.HandleEvent(ctx, approval, "squadron-bot")
	env.engine.HandleReactiveEvent(ctx, approval)

	run, err = env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)

	comments := env.forge.CallsFor("create_comment")
	require.Len(t, comments, 1)
	assert.Equal(t, "approved by alice", comments[0].Arg)
}

func TestHumanStageRemindsWhileWaiting(t *testing.T) {
	def := parseDefinition(t, `
name: human-gate
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: signoff
    type: human
    wait_for: approval
    from: maintainers
    notify:
      entry: please sign off
      reminder: 30ms
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	// Entry notification first, then reminders on the interval.
	require.Eventually(t, func() bool {
		return len(env.forge.CallsFor("create_comment")) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	approval := &models.Event{
		Type:    models.EventReviewSubmitted,
		Sender:  "alice",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "review_state": "approved", "review_id": 1},
	}
	env.agents.HandleEvent(ctx, approval, "squadron-bot")
	env.engine.HandleReactiveEvent(ctx, approval)

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)

	// Reminders stop once the stage settles. The first sleep drains any
	// tick already in flight.
	time.Sleep(50 * time.Millisecond)
	before := len(env.forge.CallsFor("create_comment"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, len(env.forge.CallsFor("create_comment")))
}

func TestHumanApprovalIgnoresNonMaintainer(t *testing.T) {
	def := parseDefinition(t, `
name: human-gate
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: signoff
    type: human
    wait_for: approval
    from: maintainers
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	approval := &models.Event{
		Type:    models.EventReviewSubmitted,
		Sender:  "mallory",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42, "review_state": "approved", "review_id": 2},
	}
	env.engine.HandleReactiveEvent(ctx, approval)

	run := env.singleRun(t)
	assert.Equal(t, models.RunRunning, run.Status)
}

func TestHumanStageTimeoutEscalates(t *testing.T) {
	def := parseDefinition(t, `
name: human-gate
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: signoff
    type: human
    wait_for: approval
    from: maintainers
    timeout: 50ms
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)

	require.Eventually(t, func() bool {
		r, err := env.store.GetRun(ctx, run.ID)
		return err == nil && r.Status == models.RunEscalated
	}, 5*time.Second, 10*time.Millisecond)

	// Escalation labels the PR and posts exactly one notification.
	require.Len(t, env.forge.CallsFor("add_label"), 1)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)
}

func TestInvalidateAndRestartDirective(t *testing.T) {
	def := parseDefinition(t, `
name: restartable
scope: single-pr
trigger:
  event: pull_request.opened
on_events:
  pull_request.synchronize:
    action: invalidate_and_restart
    invalidate: [approvals]
    restart_from: prep
stages:
  - id: prep
    type: action
    action: comment
    params:
      body: preparing
  - id: ready
    type: gate
    conditions:
      - type: label_present
        label: never-set
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{Number: 42, State: "open"}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)

	require.NoError(t, env.store.RecordApproval(ctx, &models.PRApproval{
		Repo: "acme/widget", PRNumber: 42, ReviewerRole: "human:alice", ReviewID: 5,
	}))

	env.engine.HandleReactiveEvent(ctx, &models.Event{
		Type:    models.EventPRSynchronize,
		Sender:  "dev",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42},
	})

	approvals, err := env.store.ListApprovals(ctx, "acme/widget", 42)
	require.NoError(t, err)
	assert.Empty(t, approvals)

	attempts, err := env.store.AttemptCount(ctx, run.ID, "prep")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	run, err = env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, run.Status)
	assert.Equal(t, "ready", run.CurrentStageID)
}

func TestCancelDirectiveOnPRClosed(t *testing.T) {
	def := parseDefinition(t, `
name: cancellable
scope: single-pr
trigger:
  event: pull_request.opened
on_events:
  pull_request.closed: cancel
stages:
  - id: wait
    type: delay
    duration: 1h
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)

	env.engine.HandleReactiveEvent(ctx, &models.Event{
		Type:    models.EventPRClosed,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42},
	})

	run, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, run.Status)
}

func TestStageTimeoutFollowsOnTimeout(t *testing.T) {
	def := parseDefinition(t, `
name: timed
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: review
    type: agent
    agent: pr-review
    action: review
    timeout: 50ms
    on_timeout: fail
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)

	require.Eventually(t, func() bool {
		r, err := env.store.GetRun(ctx, run.ID)
		return err == nil && r.Status == models.RunFailed
	}, 5*time.Second, 10*time.Millisecond)

	// The agent was retired; its session was cancelled.
	_, err := env.store.GetLiveAgent(ctx, "pr-review-pr-42")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	require.Len(t, env.recorder.Cancels, 1)
}

func TestDelayStageCompletesAfterDuration(t *testing.T) {
	def := parseDefinition(t, `
name: cooloff
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: wait
    type: delay
    duration: 30ms
  - id: note
    type: action
    action: comment
    params:
      body: done waiting
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)

	require.Eventually(t, func() bool {
		r, err := env.store.GetRun(ctx, run.ID)
		return err == nil && r.Status == models.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, env.forge.CallsFor("create_comment"), 1)
}

func TestWebhookStageValidatesResponse(t *testing.T) {
	var mu sync.Mutex
	var received string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	def := parseDefinition(t, `
name: notify-external
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: ping
    type: webhook
    url: ` + srv.URL + `
    body: '{"pr": {{ trigger.pr_number }}}'
    expect:
      status: 200
      body_contains: ok
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	mu.Lock()
	assert.Equal(t, `{"pr": 42}`, received)
	mu.Unlock()
}

func TestWebhookFailureFollowsOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	def := parseDefinition(t, `
name: notify-external
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: ping
    type: webhook
    url: ` + srv.URL + `
    on_error: fallback
  - id: fallback
    type: action
    action: comment
    params:
      body: webhook failed
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)
}

func TestMergeConflictFollowsOnConflict(t *testing.T) {
	def := parseDefinition(t, `
name: automerge
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: merge
    type: action
    action: merge_pr
    on_conflict: ask-for-rebase
  - id: ask-for-rebase
    type: action
    action: comment
    params:
      body: please rebase
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{Number: 42, State: "open", Mergeable: false}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)
	assert.False(t, env.forge.PRs["acme/widget#42"].Merged)
}

func TestCIFailureFollowsOnCIFailure(t *testing.T) {
	def := parseDefinition(t, `
name: automerge
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: merge
    type: action
    action: merge_pr
    on_ci_failure: report
  - id: report
    type: action
    action: comment
    params:
      body: checks are red
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.forge.PRs["acme/widget#42"] = &forge.PullRequest{
		Number: 42, State: "open", Mergeable: true, MergeableState: "blocked",
	}
	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))

	run := env.singleRun(t)
	assert.Equal(t, models.RunCompleted, run.Status)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)
	assert.False(t, env.forge.PRs["acme/widget#42"].Merged)

	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "merge")
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, sr.Status)
}

func TestStartPipelineEnforcesNestingDepth(t *testing.T) {
	def := parseDefinition(t, `
name: deep
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: wait
    type: delay
    duration: 1h
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	parent, err := env.engine.StartPipeline(ctx, def, prOpenedEvent(42), "", "")
	require.NoError(t, err)

	for depth := 1; depth <= config.MaxNestingDepth; depth++ {
		child, cerr := env.engine.StartPipeline(ctx, def, nil, parent.ID, "wait")
		require.NoError(t, cerr)
		assert.Equal(t, depth, child.NestingDepth)
		parent = child
	}

	_, err = env.engine.StartPipeline(ctx, def, nil, parent.ID, "wait")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting depth")
}

func TestAgentEscalationWithoutOnErrorEscalatesRun(t *testing.T) {
	def := parseDefinition(t, `
name: risky
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: work
    type: agent
    agent: feature-dev
    action: do the thing
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalEscalated, AgentID: "feature-dev-pr-42", Reason: "cannot proceed",
	})

	run := env.singleRun(t)
	assert.Equal(t, models.RunEscalated, run.Status)

	// Escalation surfaces on the forge.
	require.Len(t, env.forge.CallsFor("add_label"), 1)
	require.Len(t, env.forge.CallsFor("create_comment"), 1)
}

func TestRehydrateReArmsDelay(t *testing.T) {
	def := parseDefinition(t, `
name: cooloff
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: wait
    type: delay
    duration: 40ms
`)
	env := newEngineEnv(t, def)
	ctx := context.Background()

	env.engine.HandleTriggerEvent(ctx, prOpenedEvent(42))
	run := env.singleRun(t)

	// Simulate a restart: a fresh engine rehydrates the waiting run.
	sr, err := env.store.LatestStageAttempt(ctx, run.ID, "wait")
	require.NoError(t, err)
	env.engine.cancelTimer(sr.ID)

	require.NoError(t, env.engine.Rehydrate(ctx, run))
	require.Eventually(t, func() bool {
		r, err := env.store.GetRun(ctx, run.ID)
		return err == nil && r.Status == models.RunCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
