// Package guarantee blends robustness and consistency ratios into the
// worst-case competitive-ratio bound reported with every decision.
package guarantee

import (
	"errors"
	"fmt"
	"math"

	"github.com/guardian-ai/guardian/internal/api"
)

// ErrInvalidRatio is returned for a non-finite ratio or one below 1.
var ErrInvalidRatio = errors.New("competitive ratio must be finite and >= 1")

// DefaultUncertaintyWeight bounds the uncertainty inflation to [0, 1).
const DefaultUncertaintyWeight = 1.0

// minScale keeps the relative uncertainty finite for near-zero predictions.
const minScale = 1.0

// Calculator is stateless apart from the penalty weight and is safe for
// concurrent use.
type Calculator struct {
	weight float64
}

// NewCalculator returns a Calculator whose uncertainty penalty saturates at
// weight. A negative or non-finite weight falls back to the default.
func NewCalculator(weight float64) *Calculator {
	if weight < 0 || !api.IsFinite(weight) {
		weight = DefaultUncertaintyWeight
	}
	return &Calculator{weight: weight}
}

// Input collects everything needed to bound one decision.
type Input struct {
	TrustLevel  float64
	Consistency float64
	Robustness  float64
	Uncertainty float64
	Prediction  float64
}

// Penalty maps forecast uncertainty to a ratio inflation:
//
//	f(u) = w · (1 − exp(−u / max(|prediction|, 1)))
//
// f is non-decreasing in u, f(0) = 0, and f < w.
func (c *Calculator) Penalty(uncertainty, prediction float64) float64 {
	if uncertainty <= 0 {
		return 0
	}
	scale := math.Max(math.Abs(prediction), minScale)
	return c.weight * -math.Expm1(-uncertainty/scale)
}

// Compute returns the guarantee for in.
func (c *Calculator) Compute(in Input) (float64, error) {
	if !api.IsFinite(in.Uncertainty) || in.Uncertainty < 0 {
		return 0, fmt.Errorf("%w: uncertainty %v", api.ErrInvalidForecast, in.Uncertainty)
	}
	if !api.IsFinite(in.Prediction) {
		return 0, fmt.Errorf("%w: prediction %v", api.ErrInvalidForecast, in.Prediction)
	}
	return Blend(in.TrustLevel, in.Consistency, in.Robustness, c.Penalty(in.Uncertainty, in.Prediction))
}

// Blend interpolates linearly in trust between the robust and consistent
// ratios and inflates by the uncertainty penalty in proportion to trust:
//
//	g = (1 − t)·robustness + t·consistency + t·penalty
//
// so t = 0 yields exactly the robustness ratio and t = 1 with zero penalty
// yields exactly the consistency ratio. The result is never below 1.
func Blend(trust, consistency, robustness, penalty float64) (float64, error) {
	if math.IsNaN(trust) || trust < 0 || trust > 1 {
		return 0, fmt.Errorf("%w: got %v", api.ErrInvalidTrustLevel, trust)
	}
	if !api.IsFinite(consistency) || consistency < 1 {
		return 0, fmt.Errorf("%w: consistency %v", ErrInvalidRatio, consistency)
	}
	if !api.IsFinite(robustness) || robustness < 1 {
		return 0, fmt.Errorf("%w: robustness %v", ErrInvalidRatio, robustness)
	}
	if !api.IsFinite(penalty) || penalty < 0 {
		return 0, fmt.Errorf("uncertainty penalty must be finite and >= 0, got %v", penalty)
	}

	g := (1-trust)*robustness + trust*consistency + trust*penalty
	return math.Max(g, 1), nil
}
