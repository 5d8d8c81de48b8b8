package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
)

// Evaluator runs a gate stage's conditions against the registry of checks.
type Evaluator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator on top of a check registry.
func NewEvaluator(registry *Registry) *Evaluator {
	return &Evaluator{
		registry: registry,
		logger:   slog.With("component", "gate"),
	}
}

// Registry exposes the underlying check registry for callers that evaluate
// single checks outside a gate stage (delay polling).
func (e *Evaluator) Registry() *Registry { return e.registry }

// Verdict is the outcome of one gate evaluation: the combined pass/fail plus
// the per-condition records to persist.
type Verdict struct {
	Passed bool
	Checks []models.GateCheck
}

// Evaluate runs every condition of the stage. With conditions, all must
// pass; with any_of, one suffices. A check error fails the evaluation; the
// gate stage's on_error transition decides what happens next.
func (e *Evaluator) Evaluate(ctx context.Context, stage *config.StageConfig, ec EvalContext) (*Verdict, error) {
	return e.Reevaluate(ctx, stage, ec, "", nil)
}

// Reevaluate runs the stage's conditions after the named event. Conditions
// whose check does not subscribe to the event type reuse their cached record
// instead of being re-run; only fresh evaluations land in Verdict.Checks, so
// the persisted latest-per-check-type record stays authoritative. An empty
// event type or nil cache evaluates everything.
func (e *Evaluator) Reevaluate(ctx context.Context, stage *config.StageConfig, ec EvalContext, eventType models.EventType, cached map[string]models.GateCheck) (*Verdict, error) {
	conds := stage.Conditions
	anyMode := false
	if len(stage.AnyOf) > 0 {
		conds = stage.AnyOf
		anyMode = true
	}

	verdict := &Verdict{}
	passedCount := 0
	for _, cond := range conds {
		check, ok := e.registry.Get(cond.Type)
		if !ok {
			// Validation guarantees known types; hitting this means a stale
			// snapshot references a removed custom check.
			return nil, fmt.Errorf("unknown gate check type %q", cond.Type)
		}

		if prior, hit := cached[cond.Type]; hit && eventType != "" && !subscribesTo(check, eventType) {
			if prior.Result == models.GatePassed {
				passedCount++
			}
			continue
		}

		// A condition may pin its own PR for multi-PR scopes.
		cec := ec
		if cond.PR > 0 {
			cec.PRNumber = cond.PR
		}
		res, err := check.Evaluate(ctx, cec, cond.Params)
		if err != nil {
			return nil, fmt.Errorf("gate check %q failed: %w", cond.Type, err)
		}

		result := models.GateFailed
		if res.Passed {
			result = models.GatePassed
			passedCount++
		}
		metrics.GateEvaluations.WithLabelValues(cond.Type, result).Inc()
		verdict.Checks = append(verdict.Checks, models.GateCheck{
			CheckType: cond.Type,
			Params:    cond.Params,
			Result:    result,
			Detail:    res.Detail,
		})
	}

	if anyMode {
		verdict.Passed = passedCount > 0
	} else {
		verdict.Passed = passedCount == len(conds)
	}

	e.logger.Debug("Gate evaluated",
		"passed", verdict.Passed, "conditions", len(conds), "satisfied", passedCount, "any_of", anyMode)
	return verdict, nil
}

// ReactiveTo reports whether an event of the given type can change the
// verdict of this stage's conditions.
func (e *Evaluator) ReactiveTo(stage *config.StageConfig, eventType models.EventType) bool {
	conds := stage.Conditions
	if len(stage.AnyOf) > 0 {
		conds = stage.AnyOf
	}
	for _, cond := range conds {
		check, ok := e.registry.Get(cond.Type)
		if !ok {
			continue
		}
		if subscribesTo(check, eventType) {
			return true
		}
	}
	return false
}

func subscribesTo(check Check, eventType models.EventType) bool {
	for _, ev := range check.ReactiveEvents() {
		if ev == eventType {
			return true
		}
	}
	return false
}
