package strategy

import (
	"fmt"
	"math"

	"github.com/guardian-ai/guardian/internal/api"
)

const (
	// SkiRentalType is the problem_type tag of the rent-or-buy family.
	SkiRentalType = "ski_rental"

	ParamCommitCost = "commit_cost"
	ParamStepCost   = "step_cost"

	// DefaultRobustThresholdFactor places the robust threshold at the
	// break-even step C/r, the deterministic 2-competitive rule.
	DefaultRobustThresholdFactor = 1.0

	maxBreakEven = 1 << 53
)

// SkiRental decides, one step at a time, whether to keep paying step_cost
// (wait) or to pay commit_cost once (commit).
//
// Steps are 0-indexed. A decision at step t commits when t ≥ τ or t·r ≥ C,
// where τ = trust·(C/r) + (1 − trust)·τ_robust and τ_robust =
// RobustFactor·(C/r). Every call on an uncommitted instance advances the step.
type SkiRental struct {
	RobustFactor float64
}

// NewSkiRental returns the strategy with the given robust threshold factor.
// Non-positive or non-finite factors fall back to the default.
func NewSkiRental(robustFactor float64) *SkiRental {
	if robustFactor <= 0 || !api.IsFinite(robustFactor) {
		robustFactor = DefaultRobustThresholdFactor
	}
	return &SkiRental{RobustFactor: robustFactor}
}

func (s *SkiRental) Type() string { return SkiRentalType }

type skiParams struct {
	commit float64 // C
	step   float64 // r
}

func (p skiParams) breakEven() float64 { return p.commit / p.step }

func parseSkiParams(params api.Params) (skiParams, error) {
	c, ok := params[ParamCommitCost]
	if !ok {
		return skiParams{}, fmt.Errorf("%w: %s is required", api.ErrInvalidParams, ParamCommitCost)
	}
	r, ok := params[ParamStepCost]
	if !ok {
		return skiParams{}, fmt.Errorf("%w: %s is required", api.ErrInvalidParams, ParamStepCost)
	}
	if !api.IsFinite(c) || c <= 0 {
		return skiParams{}, fmt.Errorf("%w: %s must be finite and > 0, got %v", api.ErrInvalidParams, ParamCommitCost, c)
	}
	if !api.IsFinite(r) || r <= 0 {
		return skiParams{}, fmt.Errorf("%w: %s must be finite and > 0, got %v", api.ErrInvalidParams, ParamStepCost, r)
	}
	p := skiParams{commit: c, step: r}
	if p.breakEven() > maxBreakEven {
		return skiParams{}, fmt.Errorf("%w: break-even step %v out of range", api.ErrInvalidParams, p.breakEven())
	}
	return p, nil
}

func (s *SkiRental) Validate(params api.Params, state api.DecisionState) error {
	if _, err := parseSkiParams(params); err != nil {
		return err
	}
	if state.CurrentStep < 0 {
		return fmt.Errorf("%w: current_step must be non-negative", api.ErrInvalidParams)
	}
	if !api.IsFinite(state.CostPaid) || state.CostPaid < 0 {
		return fmt.Errorf("%w: cost_paid must be finite and non-negative", api.ErrInvalidParams)
	}
	if state.Committed && (state.CommitStep < 0 || state.CommitStep >= state.CurrentStep) {
		return fmt.Errorf("%w: commit_step must precede current_step", api.ErrInvalidParams)
	}
	return nil
}

// Threshold is the trust-blended commit step τ.
func (s *SkiRental) Threshold(params api.Params, trust float64) (float64, error) {
	p, err := parseSkiParams(params)
	if err != nil {
		return 0, err
	}
	return s.threshold(p, trust), nil
}

func (s *SkiRental) threshold(p skiParams, trust float64) float64 {
	b := p.breakEven()
	return trust*b + (1-trust)*s.RobustFactor*b
}

func (p skiParams) commits(t int64, tau float64) bool {
	return float64(t) >= tau || float64(t)*p.step >= p.commit
}

// commitStep is the first step at which the rule fires for threshold tau.
func (p skiParams) commitStep(tau float64) int64 {
	k := int64(math.Ceil(math.Min(tau, p.breakEven())))
	if k < 0 {
		k = 0
	}
	for k > 0 && p.commits(k-1, tau) {
		k--
	}
	for !p.commits(k, tau) {
		k++
	}
	return k
}

// cost of a policy that commits at step k, given a usage horizon of h steps.
func (p skiParams) policyCost(k int64, h float64) float64 {
	if h <= float64(k) {
		return h * p.step
	}
	return float64(k)*p.step + p.commit
}

func (p skiParams) optimalCost(h float64) float64 {
	return math.Min(h*p.step, p.commit)
}

func (s *SkiRental) Decide(in Input) (Decision, error) {
	if in.State.Committed {
		return Decision{Action: api.ActionCommit, State: in.State, Terminal: true}, nil
	}
	if math.IsNaN(in.TrustLevel) || in.TrustLevel < 0 || in.TrustLevel > 1 {
		return Decision{}, fmt.Errorf("%w: got %v", api.ErrInvalidTrustLevel, in.TrustLevel)
	}
	p, err := parseSkiParams(in.Params)
	if err != nil {
		return Decision{}, err
	}

	tau := s.threshold(p, in.TrustLevel)
	t := in.State.CurrentStep
	next := in.State
	next.CurrentStep = t + 1

	action := api.ActionWait
	if p.commits(t, tau) {
		action = api.ActionCommit
		next.Committed = true
		next.CommitStep = t
		next.CostPaid += p.commit
	} else {
		next.CostPaid += p.step
	}

	return Decision{Action: action, State: next, Threshold: tau}, nil
}

// ConsistencyRatio prices the trust-blended policy against the offline
// optimum when the prediction, read as the usage horizon in steps, is exact.
// It is 1 when both costs are zero.
func (s *SkiRental) ConsistencyRatio(params api.Params, prediction, trust float64) (float64, error) {
	p, err := parseSkiParams(params)
	if err != nil {
		return 0, err
	}
	if !api.IsFinite(prediction) {
		return 0, fmt.Errorf("%w: prediction %v", api.ErrInvalidForecast, prediction)
	}
	h := math.Max(prediction, 0)
	k := p.commitStep(s.threshold(p, trust))

	opt := p.optimalCost(h)
	if opt == 0 {
		return 1, nil
	}
	return math.Max(p.policyCost(k, h)/opt, 1), nil
}

// RobustnessRatio is the worst case of the robust threshold policy: the
// adversary ends usage right after the commit step k, so the ratio is
// (k·r + C) / min((k+1)·r, C).
func (s *SkiRental) RobustnessRatio(params api.Params) (float64, error) {
	p, err := parseSkiParams(params)
	if err != nil {
		return 0, err
	}
	k := p.commitStep(s.RobustFactor * p.breakEven())
	worst := p.policyCost(k, float64(k+1))
	return math.Max(worst/p.optimalCost(float64(k+1)), 1), nil
}

// HindsightCost prices what the instance actually did over a realized
// horizon. A committed instance paid rent up to its commit step and then the
// commit cost; an uncommitted one rented for the whole horizon.
func (s *SkiRental) HindsightCost(params api.Params, state api.DecisionState, horizon float64) (float64, float64, error) {
	p, err := parseSkiParams(params)
	if err != nil {
		return 0, 0, err
	}
	if !api.IsFinite(horizon) || horizon < 0 {
		return 0, 0, fmt.Errorf("%w: horizon must be finite and >= 0, got %v", api.ErrInvalidOutcome, horizon)
	}

	alg := horizon * p.step
	if state.Committed {
		alg = p.policyCost(state.CommitStep, horizon)
	}
	return alg, p.optimalCost(horizon), nil
}
