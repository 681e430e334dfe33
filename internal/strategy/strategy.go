// Package strategy defines the online-decision contract and the closed set of
// problem families the engine can dispatch to.
package strategy

import (
	"fmt"
	"sort"

	"github.com/guardian-ai/guardian/internal/api"
)

// Input is everything a strategy sees for one decision.
type Input struct {
	Params      api.Params
	State       api.DecisionState
	Prediction  float64
	Uncertainty float64
	TrustLevel  float64
}

// Decision is a strategy's answer. Terminal is set when the instance was
// already in its absorbing state; State is then identical to the input state.
type Decision struct {
	Action    api.Action
	State     api.DecisionState
	Terminal  bool
	Threshold float64
}

// Strategy is the contract every problem family implements.
type Strategy interface {
	// Type is the problem_type tag this strategy serves.
	Type() string
	// Validate checks params and an initial state supplied at registration.
	Validate(params api.Params, state api.DecisionState) error
	Decide(in Input) (Decision, error)
	// ConsistencyRatio is the competitive ratio when the prediction is exact.
	ConsistencyRatio(params api.Params, prediction, trust float64) (float64, error)
	// RobustnessRatio is the worst-case ratio of the trust-0 policy.
	RobustnessRatio(params api.Params) (float64, error)
}

// CostEvaluator is implemented by strategies that can price an instance in
// hindsight once the realized horizon is known.
type CostEvaluator interface {
	HindsightCost(params api.Params, state api.DecisionState, horizon float64) (algorithm, optimal float64, err error)
}

// Registry maps problem types to strategies. It is built once and read-only
// afterwards.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds a registry; duplicate or empty types are rejected.
func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		t := s.Type()
		if t == "" {
			return nil, fmt.Errorf("strategy %T has empty type", s)
		}
		if _, dup := r.strategies[t]; dup {
			return nil, fmt.Errorf("duplicate strategy for problem type %q", t)
		}
		r.strategies[t] = s
	}
	return r, nil
}

// Lookup resolves a problem type.
func (r *Registry) Lookup(problemType string) (Strategy, error) {
	s, ok := r.strategies[problemType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownProblemType, problemType)
	}
	return s, nil
}

// Types returns the registered problem types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
