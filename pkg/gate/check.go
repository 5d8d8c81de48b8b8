// Package gate implements gate stage evaluation: named condition checks,
// the check registry, and the evaluator that combines per-condition results
// into a pass/fail verdict.
package gate

import (
	"context"

	"github.com/squadron-hq/squadron/pkg/forge"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// Result is the outcome of one condition evaluation.
type Result struct {
	Passed bool
	// Detail is a human-readable explanation surfaced in the gate record.
	Detail string
}

// EvalContext carries everything a check may need. Fields are populated from
// the run's scope binding; checks read only what applies to them.
type EvalContext struct {
	Repo        string
	PRNumber    int
	IssueNumber int
	Worktree    string

	// Event is the event that triggered this evaluation, nil when the gate
	// is evaluated on stage entry rather than reactively.
	Event *models.Event

	// Maintainers are the logins whose commands count for command checks.
	Maintainers []string

	Store *registry.Store
	Forge forge.Client
}

// Check is one gate condition type. Implementations must be stateless; a
// single instance serves every pipeline.
type Check interface {
	// Name is the condition type referenced from pipeline YAML.
	Name() string

	// ReactiveEvents lists the event types whose arrival should re-evaluate
	// a gate containing this check.
	ReactiveEvents() []models.EventType

	Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error)
}
