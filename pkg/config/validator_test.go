package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var testChecks = map[string]bool{
	"pr_approvals_met":      true,
	"no_changes_requested":  true,
	"ci_status":             true,
	"label_present":         true,
	"command":               true,
	"file_exists":           true,
	"human_approved":        true,
	"branch_up_to_date":     true,
}

func parseDef(t *testing.T, src string) *PipelineDefinition {
	t.Helper()
	var def PipelineDefinition
	require.NoError(t, yaml.Unmarshal([]byte(src), &def))
	return &def
}

func singlePipelineConfig(defs ...*PipelineDefinition) *Config {
	cfg := &Config{System: DefaultSystemConfig(), Pipelines: map[string]*PipelineDefinition{}}
	for _, d := range defs {
		cfg.Pipelines[d.Name] = d
	}
	return cfg
}

const prLifecycleYAML = `
name: pr-lifecycle
scope: single-pr
trigger:
  event: pull_request.opened
on_events:
  pull_request.synchronize:
    action: invalidate_and_restart
    invalidate: [approval-gate]
    restart_from: approval-gate
  pull_request.closed: cancel
stages:
  - id: code-review
    type: agent
    agent: pr-review
    action: "Review PR {{ trigger.pr_number }}"
    on_complete: approval-gate
  - id: approval-gate
    type: gate
    conditions:
      - type: pr_approvals_met
        count: 1
      - type: no_changes_requested
    on_pass: auto-merge
    on_fail:
      goto: code-review
      max_iterations: 3
      then: escalate
  - id: auto-merge
    type: action
    action: merge_pr
    params:
      method: squash
      delete_branch: true
    on_complete: complete
`

func TestValidatePRLifecycle(t *testing.T) {
	def := parseDef(t, prLifecycleYAML)
	cfg := singlePipelineConfig(def)
	require.NoError(t, NewValidator(cfg, testChecks).ValidateAll())

	// Transition forms survived parsing.
	gate := def.Stage("approval-gate")
	require.NotNil(t, gate)
	assert.Equal(t, "auto-merge", gate.OnPass.Target)
	assert.True(t, gate.OnFail.IsLoop())
	assert.Equal(t, 3, gate.OnFail.MaxIterations)
	assert.Equal(t, "escalate", gate.OnFail.Then)

	// Reactive directives parsed in both shapes.
	assert.Equal(t, ReactiveCancel, def.OnEvents["pull_request.closed"].Action)
	inv := def.OnEvents["pull_request.synchronize"]
	assert.Equal(t, ReactiveInvalidateAndRestart, inv.Action)
	assert.Equal(t, []string{"approval-gate"}, inv.Invalidate)
}

func TestValidateAcceptsAllBuiltinActions(t *testing.T) {
	for _, action := range []string{"merge_pr", "close_pr", "add_label", "remove_label", "comment", "update_branch"} {
		def := parseDef(t, `
name: one-action
scope: single-pr
trigger:
  event: pull_request.opened
stages:
  - id: act
    type: action
    action: `+action+`
`)
		assert.NoError(t, NewValidator(singlePipelineConfig(def), testChecks).ValidateAll(), action)
	}

	def := parseDef(t, `
name: one-action
scope: single-pr
stages:
  - id: act
    type: action
    action: rebase_pr
`)
	err := NewValidator(singlePipelineConfig(def), testChecks).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebase_pr")
}

func TestValidateRejectsUnknownTransitionTarget(t *testing.T) {
	def := parseDef(t, `
name: broken
scope: issue
stages:
  - id: only
    type: agent
    agent: worker
    action: "do the thing"
    on_complete: nowhere
`)
	err := NewValidator(singlePipelineConfig(def), testChecks).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
}

func TestValidateRejectsUnknownGateCheck(t *testing.T) {
	def := parseDef(t, `
name: broken
scope: single-pr
stages:
  - id: g
    type: gate
    conditions:
      - type: does_not_exist
`)
	err := NewValidator(singlePipelineConfig(def), testChecks).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestValidateRejectsConditionsAndAnyOfTogether(t *testing.T) {
	def := parseDef(t, `
name: broken
scope: single-pr
stages:
  - id: g
    type: gate
    conditions:
      - type: ci_status
    any_of:
      - type: label_present
        label: override
`)
	err := NewValidator(singlePipelineConfig(def), testChecks).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidateSubPipelineCycleFails(t *testing.T) {
	a := parseDef(t, `
name: a
scope: issue
stages:
  - id: run-b
    type: pipeline
    pipeline: b
`)
	b := parseDef(t, `
name: b
scope: issue
stages:
  - id: run-a
    type: pipeline
    pipeline: a
`)
	err := NewValidator(singlePipelineConfig(a, b), testChecks).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPipelineCycle)
}

func TestValidateNestingDepthBound(t *testing.T) {
	// p1 -> p2 -> ... -> p6: chain depth 6 exceeds the bound of 5.
	defs := []*PipelineDefinition{}
	for i := 1; i <= 6; i++ {
		name := string(rune('0'+i))
		def := &PipelineDefinition{
			Name:  "p" + name,
			Scope: ScopeIssue,
			Stages: []StageConfig{{
				ID: "work", Type: StageAgent, Agent: "worker", Action: "work",
			}},
		}
		if i < 6 {
			def.Stages = append(def.Stages, StageConfig{
				ID: "child", Type: StagePipeline, Pipeline: "p" + string(rune('0'+i+1)),
			})
		}
		defs = append(defs, def)
	}
	err := NewValidator(singlePipelineConfig(defs...), testChecks).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting")

	// Depth 5 is accepted.
	err = NewValidator(singlePipelineConfig(defs[1:]...), testChecks).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateUnknownSubPipeline(t *testing.T) {
	def := parseDef(t, `
name: parent
scope: issue
stages:
  - id: child
    type: pipeline
    pipeline: ghost
`)
	err := NewValidator(singlePipelineConfig(def), testChecks).ValidateAll()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPipelineNotFound)
}

func TestValidateParallelBranchTypes(t *testing.T) {
	def := parseDef(t, `
name: fanout
scope: multi-pr
stages:
  - id: split
    type: parallel
    join: all
    branches:
      backend:
        type: agent
        agent: builder
        action: "build backend"
      bad:
        type: gate
        conditions:
          - type: ci_status
`)
	err := NewValidator(singlePipelineConfig(def), testChecks).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed in parallel")
}

func TestDurationYAML(t *testing.T) {
	var s struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1h30m"), &s))
	assert.Equal(t, "1h30m0s", s.D.Std().String())

	out, err := yaml.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(out), "1h30m0s")
}

func TestDefinitionSnapshotRoundTrip(t *testing.T) {
	def := parseDef(t, prLifecycleYAML)
	data, err := def.Snapshot()
	require.NoError(t, err)

	back, err := DefinitionFromSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, def.Name, back.Name)
	require.Len(t, back.Stages, 3)
	assert.True(t, back.Stage("approval-gate").OnFail.IsLoop())
	assert.Equal(t, ReactiveCancel, back.OnEvents["pull_request.closed"].Action)
	assert.Equal(t, "squash", back.Stage("auto-merge").Params["method"])
}
