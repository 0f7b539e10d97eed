package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyPlan is returned when planning produces no steps.
var ErrEmptyPlan = errors.New("planner produced no steps")

// PlannedStep is one planned unit of tool work.
type PlannedStep struct {
	ID          string
	Tool        string
	Description string
	Args        map[string]interface{}
	MaxRetries  int
}

// Planner produces an ordered step list for a user request. Implementations
// must be safe for concurrent use; one Planner serves every session.
type Planner interface {
	Plan(ctx context.Context, userPrompt string) ([]PlannedStep, error)
}

// PromptPlaceholder marks an arg value that Plan replaces with the user's
// prompt. Steps opt in per arg; StaticPlanner never adds keys of its own, so
// tools whose schemas reject undeclared properties stay valid.
const PromptPlaceholder = "{{prompt}}"

// StaticPlanner returns a fixed step list for every request, substituting the
// user prompt for any arg set to PromptPlaceholder. It is the simplest
// Planner; richer planners can be injected by the host.
type StaticPlanner struct {
	steps []PlannedStep
}

// NewStaticPlanner creates a planner over a fixed step list. Steps without an
// id are assigned positional ids (step_1, step_2, ...).
func NewStaticPlanner(steps ...PlannedStep) *StaticPlanner {
	owned := make([]PlannedStep, len(steps))
	copy(owned, steps)
	for i := range owned {
		if owned[i].ID == "" {
			owned[i].ID = fmt.Sprintf("step_%d", i+1)
		}
	}
	return &StaticPlanner{steps: owned}
}

// Plan returns a fresh copy of the step list so sessions never share args maps.
func (p *StaticPlanner) Plan(ctx context.Context, userPrompt string) ([]PlannedStep, error) {
	if len(p.steps) == 0 {
		return nil, ErrEmptyPlan
	}

	out := make([]PlannedStep, len(p.steps))
	for i, s := range p.steps {
		args := make(map[string]interface{}, len(s.Args))
		for k, v := range s.Args {
			if str, ok := v.(string); ok && str == PromptPlaceholder {
				args[k] = userPrompt
				continue
			}
			args[k] = v
		}
		s.Args = args
		out[i] = s
	}
	return out, nil
}
