package config

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/squadron-hq/squadron/pkg/template"
)

var stageIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validator validates the loaded configuration fail-fast with clear
// messages. knownChecks is the set of registered gate check names; it is
// supplied by the caller so custom checks registered at startup count.
type Validator struct {
	cfg         *Config
	knownChecks map[string]bool
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config, knownChecks map[string]bool) *Validator {
	return &Validator{cfg: cfg, knownChecks: knownChecks}
}

// ValidateAll validates pipelines, then the sub-pipeline graph, then roles.
func (v *Validator) ValidateAll() error {
	for name, def := range v.cfg.Pipelines {
		if err := v.validatePipeline(name, def); err != nil {
			return err
		}
	}
	if err := v.validatePipelineGraph(); err != nil {
		return err
	}
	return v.validateRoles()
}

func (v *Validator) validatePipeline(name string, def *PipelineDefinition) error {
	if def.Name != name {
		return NewValidationError("pipeline", name, "name", fmt.Errorf("key %q does not match name %q", name, def.Name))
	}
	if !def.Scope.IsValid() {
		return NewValidationError("pipeline", name, "scope", fmt.Errorf("invalid scope %q", def.Scope))
	}
	if len(def.Stages) == 0 {
		return NewValidationError("pipeline", name, "stages", fmt.Errorf("at least one stage required"))
	}

	ids := make(map[string]bool, len(def.Stages))
	for i := range def.Stages {
		s := &def.Stages[i]
		if !stageIDPattern.MatchString(s.ID) {
			return NewValidationError("pipeline", name, "stages", fmt.Errorf("invalid stage id %q", s.ID))
		}
		if ids[s.ID] {
			return NewValidationError("pipeline", name, "stages", fmt.Errorf("duplicate stage id %q", s.ID))
		}
		ids[s.ID] = true
	}

	for i := range def.Stages {
		if err := v.validateStage(name, &def.Stages[i], ids); err != nil {
			return err
		}
	}

	for _, t := range []*Transition{def.OnComplete, def.OnError} {
		if err := v.validateTransition(name, "pipeline hooks", t, ids); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateStage(pipeline string, s *StageConfig, ids map[string]bool) error {
	fail := func(field string, err error) error {
		return NewValidationError("stage", pipeline+"/"+s.ID, field, err)
	}

	if !s.Type.IsValid() {
		return fail("type", fmt.Errorf("unknown stage type %q", s.Type))
	}

	switch s.Type {
	case StageAgent:
		if s.Agent == "" {
			return fail("agent", fmt.Errorf("agent role is required"))
		}
		if s.Action == "" {
			return fail("action", fmt.Errorf("task directive is required"))
		}
		if err := template.Validate(s.Action); err != nil {
			return fail("action", err)
		}
	case StageGate:
		if len(s.Conditions) == 0 && len(s.AnyOf) == 0 {
			return fail("conditions", fmt.Errorf("gate requires conditions or any_of"))
		}
		if len(s.Conditions) > 0 && len(s.AnyOf) > 0 {
			return fail("conditions", fmt.Errorf("conditions and any_of are mutually exclusive"))
		}
		for _, c := range append(append([]CheckConfig{}, s.Conditions...), s.AnyOf...) {
			if !v.knownChecks[c.Type] {
				return fail("conditions", fmt.Errorf("unknown gate check %q", c.Type))
			}
		}
	case StageHuman:
		switch s.WaitFor {
		case "approval", "comment", "label", "dismiss":
		default:
			return fail("wait_for", fmt.Errorf("invalid wait_for %q", s.WaitFor))
		}
		if s.WaitFor == "label" && s.Label == "" {
			return fail("label", fmt.Errorf("label is required for wait_for: label"))
		}
	case StageParallel:
		if len(s.Branches) == 0 {
			return fail("branches", fmt.Errorf("parallel requires branches"))
		}
		for bid, branch := range s.Branches {
			switch branch.Type {
			case StageAgent, StagePipeline, StageAction:
			default:
				return fail("branches", fmt.Errorf("branch %q: type %q not allowed in parallel", bid, branch.Type))
			}
			branch.ID = s.ID + "." + bid
			if err := v.validateStage(pipeline, branch, ids); err != nil {
				return err
			}
		}
		if err := validateJoin(s.Join, len(s.Branches)); err != nil {
			return fail("join", err)
		}
	case StageDelay:
		if s.Duration <= 0 {
			return fail("duration", fmt.Errorf("positive duration required"))
		}
		if s.Poll != nil {
			if !v.knownChecks[s.Poll.Check.Type] {
				return fail("poll", fmt.Errorf("unknown gate check %q", s.Poll.Check.Type))
			}
			if s.Poll.Interval <= 0 {
				return fail("poll", fmt.Errorf("positive poll interval required"))
			}
		}
	case StageAction:
		switch s.Action {
		case "merge_pr", "close_pr", "add_label", "remove_label", "comment", "update_branch":
		default:
			return fail("action", fmt.Errorf("unknown built-in action %q", s.Action))
		}
	case StageWebhook:
		if s.URL == "" {
			return fail("url", fmt.Errorf("url is required"))
		}
		for _, str := range append([]string{s.URL, s.Body}, headerValues(s.Headers)...) {
			if err := template.Validate(str); err != nil {
				return fail("url", err)
			}
		}
	case StagePipeline:
		if s.Pipeline == "" {
			return fail("pipeline", fmt.Errorf("sub-pipeline name is required"))
		}
		if _, ok := v.cfg.Pipelines[s.Pipeline]; !ok {
			return fail("pipeline", fmt.Errorf("%w: %q", ErrPipelineNotFound, s.Pipeline))
		}
	}

	for _, t := range s.Transitions() {
		if err := v.validateTransition(pipeline, s.ID, t, ids); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateTransition(pipeline, stage string, t *Transition, ids map[string]bool) error {
	if t.IsZero() {
		return nil
	}
	resolve := func(target string) error {
		if target == "" || IsTerminalTarget(target) || ids[target] {
			return nil
		}
		return NewValidationError("stage", pipeline+"/"+stage, "transition",
			fmt.Errorf("target %q is not a stage id or reserved terminal", target))
	}
	if t.IsLoop() {
		if !ids[t.Goto] {
			return NewValidationError("stage", pipeline+"/"+stage, "goto",
				fmt.Errorf("goto target %q is not a stage id", t.Goto))
		}
		if t.MaxIterations <= 0 {
			return NewValidationError("stage", pipeline+"/"+stage, "max_iterations",
				fmt.Errorf("goto requires positive max_iterations"))
		}
		if t.Then != "" && !IsTerminalTarget(t.Then) {
			return NewValidationError("stage", pipeline+"/"+stage, "then",
				fmt.Errorf("then must be a reserved terminal, got %q", t.Then))
		}
		return nil
	}
	return resolve(t.Target)
}

// validatePipelineGraph walks sub-pipeline references depth-first, rejecting
// cycles and static chains deeper than MaxNestingDepth.
func (v *Validator) validatePipelineGraph() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)
	depth := make(map[string]int) // max sub-pipeline chain depth below each pipeline

	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %v -> %s", ErrPipelineCycle, trail, name)
		case done:
			return nil
		}
		state[name] = visiting
		def := v.cfg.Pipelines[name]
		maxChild := 0
		for i := range def.Stages {
			for _, ref := range stagePipelineRefs(&def.Stages[i]) {
				if err := visit(ref, append(trail, name)); err != nil {
					return err
				}
				if d := depth[ref]; d > maxChild {
					maxChild = d
				}
			}
		}
		depth[name] = maxChild + 1
		state[name] = done
		if depth[name] > MaxNestingDepth {
			return NewValidationError("pipeline", name, "stages",
				fmt.Errorf("sub-pipeline nesting exceeds %d levels", MaxNestingDepth))
		}
		return nil
	}

	for name := range v.cfg.Pipelines {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateRoles() error {
	for role, rc := range v.cfg.System.Agents.Roles {
		if rc.MaxActiveDuration <= 0 {
			return NewValidationError("role", role, "max_active_duration", fmt.Errorf("must be positive"))
		}
		if rc.Lifecycle != "" && rc.Lifecycle != LifecycleEphemeral && rc.Lifecycle != LifecyclePersistent {
			return NewValidationError("role", role, "lifecycle", fmt.Errorf("invalid lifecycle %q", rc.Lifecycle))
		}
	}
	return nil
}

// stagePipelineRefs returns sub-pipeline names referenced by a stage,
// including pipeline-typed parallel branches.
func stagePipelineRefs(s *StageConfig) []string {
	var refs []string
	if s.Type == StagePipeline {
		refs = append(refs, s.Pipeline)
	}
	for _, b := range s.Branches {
		if b.Type == StagePipeline {
			refs = append(refs, b.Pipeline)
		}
	}
	return refs
}

func validateJoin(join string, branches int) error {
	switch join {
	case "", "all", "any":
		return nil
	}
	n, err := strconv.Atoi(join)
	if err != nil || n < 1 || n > branches {
		return fmt.Errorf("join must be all, any, or 1..%d, got %q", branches, join)
	}
	return nil
}

func headerValues(h map[string]string) []string {
	out := make([]string, 0, len(h))
	for _, v := range h {
		out = append(out, v)
	}
	return out
}
