package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Scope describes what a pipeline orchestrates.
type Scope string

// Pipeline scopes.
const (
	ScopeSinglePR Scope = "single-pr"
	ScopeMultiPR  Scope = "multi-pr"
	ScopeIssue    Scope = "issue"
)

// IsValid reports whether the scope is one of the known values.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeSinglePR, ScopeMultiPR, ScopeIssue:
		return true
	default:
		return false
	}
}

// StageType discriminates the stage variant.
type StageType string

// Stage types.
const (
	StageAgent    StageType = "agent"
	StageGate     StageType = "gate"
	StageHuman    StageType = "human"
	StageParallel StageType = "parallel"
	StageDelay    StageType = "delay"
	StageAction   StageType = "action"
	StageWebhook  StageType = "webhook"
	StagePipeline StageType = "pipeline"
)

// IsValid reports whether the stage type is known.
func (t StageType) IsValid() bool {
	switch t {
	case StageAgent, StageGate, StageHuman, StageParallel,
		StageDelay, StageAction, StageWebhook, StagePipeline:
		return true
	default:
		return false
	}
}

// Reserved transition terminals.
const (
	TerminalComplete = "complete"
	TerminalEscalate = "escalate"
	TerminalFail     = "fail"
	TerminalCancel   = "cancel"
)

// IsTerminalTarget reports whether target names a reserved terminal rather
// than a stage id.
func IsTerminalTarget(target string) bool {
	switch target {
	case TerminalComplete, TerminalEscalate, TerminalFail, TerminalCancel:
		return true
	default:
		return false
	}
}

// MaxNestingDepth is the maximum sub-pipeline nesting depth.
const MaxNestingDepth = 5

// Duration wraps time.Duration with human-readable YAML form ("90s", "1h").
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses "1h30m" style strings or bare nanosecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML emits the canonical duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Transition is an on_* target: either a plain stage id / reserved terminal,
// or a goto loop with an iteration budget and an exhaustion action.
//
//	on_complete: approval-gate
//	on_fail:
//	  goto: code-review
//	  max_iterations: 3
//	  then: escalate
type Transition struct {
	Target        string `yaml:"-"`
	Goto          string `yaml:"goto,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty"`
	Then          string `yaml:"then,omitempty"`
}

// IsZero reports whether the transition was omitted.
func (t *Transition) IsZero() bool {
	return t == nil || (t.Target == "" && t.Goto == "")
}

// IsLoop reports whether the transition is a bounded goto loop.
func (t *Transition) IsLoop() bool { return t != nil && t.Goto != "" }

// UnmarshalYAML accepts both the scalar and the mapping form.
func (t *Transition) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Target = value.Value
		return nil
	}
	type plain Transition
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = Transition(p)
	if t.Goto == "" {
		return fmt.Errorf("transition mapping requires goto")
	}
	return nil
}

// MarshalYAML emits the scalar form when possible (snapshot round-trip).
func (t Transition) MarshalYAML() (any, error) {
	if t.Goto == "" {
		return t.Target, nil
	}
	return map[string]any{
		"goto":           t.Goto,
		"max_iterations": t.MaxIterations,
		"then":           t.Then,
	}, nil
}

// ReactiveAction is the directive kind in an on_events entry.
type ReactiveAction string

// Reactive actions.
const (
	ReactiveReevaluateGates      ReactiveAction = "reevaluate_gates"
	ReactiveInvalidateAndRestart ReactiveAction = "invalidate_and_restart"
	ReactiveCancel               ReactiveAction = "cancel"
	ReactiveWakeAgent            ReactiveAction = "wake_agent"
	ReactiveNotify               ReactiveAction = "notify"
)

// ReactiveDirective describes how a live run responds to an incoming event.
type ReactiveDirective struct {
	Action      ReactiveAction `yaml:"action"`
	Invalidate  []string       `yaml:"invalidate,omitempty"`
	RestartFrom string         `yaml:"restart_from,omitempty"`
	Message     string         `yaml:"message,omitempty"`
}

// UnmarshalYAML accepts the scalar shorthand ("cancel") and the mapping form.
func (r *ReactiveDirective) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.Action = ReactiveAction(value.Value)
		return nil
	}
	type plain ReactiveDirective
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = ReactiveDirective(p)
	return nil
}

// MarshalYAML emits the scalar form when only the action is set.
func (r ReactiveDirective) MarshalYAML() (any, error) {
	if len(r.Invalidate) == 0 && r.RestartFrom == "" && r.Message == "" {
		return string(r.Action), nil
	}
	type plain ReactiveDirective
	return plain(r), nil
}

// CheckConfig names a gate check and carries its check-specific parameters.
//
//	- type: pr_approvals_met
//	  count: 1
//	  scope: humans
type CheckConfig struct {
	Type   string
	PR     int // optional per-PR scoping for multi-PR pipelines
	Params map[string]any
}

// UnmarshalYAML decodes the whole mapping and pulls out type / pr.
func (c *CheckConfig) UnmarshalYAML(value *yaml.Node) error {
	var m map[string]any
	if err := value.Decode(&m); err != nil {
		return err
	}
	t, _ := m["type"].(string)
	if t == "" {
		return fmt.Errorf("gate condition requires type")
	}
	c.Type = t
	delete(m, "type")
	if pr, ok := m["pr"]; ok {
		switch v := pr.(type) {
		case int:
			c.PR = v
		case float64:
			c.PR = int(v)
		default:
			return fmt.Errorf("gate condition pr must be a number")
		}
		delete(m, "pr")
	}
	c.Params = m
	return nil
}

// MarshalYAML re-flattens type/pr into the parameter mapping.
func (c CheckConfig) MarshalYAML() (any, error) {
	m := make(map[string]any, len(c.Params)+2)
	for k, v := range c.Params {
		m[k] = v
	}
	m["type"] = c.Type
	if c.PR != 0 {
		m["pr"] = c.PR
	}
	return m, nil
}

// NotifyConfig configures human-stage notifications.
type NotifyConfig struct {
	Entry    string   `yaml:"entry,omitempty"`    // comment posted on stage entry
	Reminder Duration `yaml:"reminder,omitempty"` // reminder interval while waiting
}

// PollConfig lets a delay stage exit early when a check passes.
type PollConfig struct {
	Check    CheckConfig `yaml:"check"`
	Interval Duration    `yaml:"interval"`
}

// RetryConfig bounds action-stage retries on transient failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff,omitempty"`
}

// ExpectConfig validates a webhook stage response.
type ExpectConfig struct {
	Status       int    `yaml:"status,omitempty"`
	BodyContains string `yaml:"body_contains,omitempty"`
}

// StageConfig is the tagged stage variant. Type selects which field group is
// meaningful; the validator rejects fields that do not belong to the type.
type StageConfig struct {
	ID   string    `yaml:"id"`
	Type StageType `yaml:"type"`

	// Common
	Timeout    Duration    `yaml:"timeout,omitempty"`
	OnTimeout  *Transition `yaml:"on_timeout,omitempty"`
	OnComplete *Transition `yaml:"on_complete,omitempty"`
	OnError    *Transition `yaml:"on_error,omitempty"`

	// agent
	Agent           string   `yaml:"agent,omitempty"`
	Action          string   `yaml:"action,omitempty"` // task directive (agent) or built-in name (action)
	ContinueSession bool     `yaml:"continue_session,omitempty"`
	ExpectedOutputs []string `yaml:"expected_outputs,omitempty"`

	// gate
	Conditions []CheckConfig `yaml:"conditions,omitempty"`
	AnyOf      []CheckConfig `yaml:"any_of,omitempty"`
	OnPass     *Transition   `yaml:"on_pass,omitempty"`
	OnFail     *Transition   `yaml:"on_fail,omitempty"`

	// human
	WaitFor    string        `yaml:"wait_for,omitempty"` // approval | comment | label | dismiss
	From       string        `yaml:"from,omitempty"`     // reviewer group
	Count      int           `yaml:"count,omitempty"`
	Pattern    string        `yaml:"pattern,omitempty"`
	Label      string        `yaml:"label,omitempty"`
	AutoAssign bool          `yaml:"auto_assign,omitempty"`
	Notify     *NotifyConfig `yaml:"notify,omitempty"`

	// parallel
	Branches    map[string]*StageConfig `yaml:"branches,omitempty"`
	Join        string                  `yaml:"join,omitempty"` // all | any | <N>
	OnAnyReject *Transition             `yaml:"on_any_reject,omitempty"`

	// delay
	Duration Duration    `yaml:"duration,omitempty"`
	Poll     *PollConfig `yaml:"poll,omitempty"`

	// action
	Params      map[string]any `yaml:"params,omitempty"`
	Retry       *RetryConfig   `yaml:"retry,omitempty"`
	OnConflict  *Transition    `yaml:"on_conflict,omitempty"`
	OnCIFailure *Transition    `yaml:"on_ci_failure,omitempty"`

	// webhook
	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
	Expect  *ExpectConfig     `yaml:"expect,omitempty"`

	// pipeline
	Pipeline string `yaml:"pipeline,omitempty"`
}

// Transitions returns every transition the stage declares, for validation.
func (s *StageConfig) Transitions() []*Transition {
	out := []*Transition{}
	for _, t := range []*Transition{
		s.OnTimeout, s.OnComplete, s.OnError, s.OnPass, s.OnFail,
		s.OnAnyReject, s.OnConflict, s.OnCIFailure,
	} {
		if !t.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// TriggerConfig matches inbound events to a pipeline definition.
type TriggerConfig struct {
	Event      string            `yaml:"event"`
	Conditions map[string]string `yaml:"conditions,omitempty"` // label, base_branch
}

// PipelineDefinition is an immutable orchestration specification. A
// definition without a trigger is a sub-pipeline, invocable only by name.
type PipelineDefinition struct {
	Name        string                       `yaml:"name"`
	Description string                       `yaml:"description,omitempty"`
	Scope       Scope                        `yaml:"scope"`
	Trigger     *TriggerConfig               `yaml:"trigger,omitempty"`
	OnEvents    map[string]ReactiveDirective `yaml:"on_events,omitempty"`
	Stages      []StageConfig                `yaml:"stages"`
	OnComplete  *Transition                  `yaml:"on_complete,omitempty"`
	OnError     *Transition                  `yaml:"on_error,omitempty"`
}

// IsSubPipeline reports whether the definition can only be invoked by name.
func (d *PipelineDefinition) IsSubPipeline() bool { return d.Trigger == nil }

// Stage returns the stage with the given id, or nil.
func (d *PipelineDefinition) Stage(id string) *StageConfig {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}

// StageAfter returns the id of the stage following id in declaration order,
// or "" when id is the last stage.
func (d *PipelineDefinition) StageAfter(id string) string {
	for i := range d.Stages {
		if d.Stages[i].ID == id && i+1 < len(d.Stages) {
			return d.Stages[i+1].ID
		}
	}
	return ""
}

// Snapshot serializes the definition for storage on a pipeline run. Runs
// rehydrate from their snapshot and are immune to later config reloads.
func (d *PipelineDefinition) Snapshot() ([]byte, error) {
	return yaml.Marshal(d)
}

// DefinitionFromSnapshot rehydrates a stored definition snapshot.
func DefinitionFromSnapshot(data []byte) (*PipelineDefinition, error) {
	var d PipelineDefinition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("corrupt definition snapshot: %w", err)
	}
	return &d, nil
}
