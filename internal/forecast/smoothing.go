package forecast

import (
	"context"
	"fmt"
	"math"

	"github.com/guardian-ai/guardian/internal/api"
)

// SmoothingPredictor implements simple exponential smoothing. The smoothed
// level is the point estimate (flat forecast, no trend) and the uncertainty
// is a z-scaled band from the one-step-ahead residuals, widened by the square
// root of the horizon.
type SmoothingPredictor struct {
	Alpha   float64 // smoothing parameter in (0, 1]
	Z       float64 // band width in residual standard deviations
	Horizon int     // steps ahead the band covers
}

// NewSmoothingPredictor returns a predictor with alpha 0.3, a 95% band and a
// one-step horizon.
func NewSmoothingPredictor() *SmoothingPredictor {
	return &SmoothingPredictor{
		Alpha:   0.3,
		Z:       1.96,
		Horizon: 1,
	}
}

// Validate reports settings Predict cannot work with.
func (p *SmoothingPredictor) Validate() error {
	switch {
	case math.IsNaN(p.Alpha) || p.Alpha <= 0 || p.Alpha > 1:
		return fmt.Errorf("%w: smoothing alpha must be in (0, 1], got %v", api.ErrPredictorMisconfigured, p.Alpha)
	case !api.IsFinite(p.Z) || p.Z < 0:
		return fmt.Errorf("%w: smoothing z must be finite and >= 0, got %v", api.ErrPredictorMisconfigured, p.Z)
	}
	return nil
}

func (p *SmoothingPredictor) Predict(ctx context.Context, history []api.HistoricalPoint) (Prediction, error) {
	if len(history) == 0 {
		return Prediction{}, api.ErrInsufficientData
	}
	if err := p.Validate(); err != nil {
		return Prediction{}, err
	}
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	level := history[0].Value
	var sumSq float64
	for _, point := range history[1:] {
		resid := point.Value - level
		sumSq += resid * resid
		level = p.Alpha*point.Value + (1-p.Alpha)*level
	}

	sigma := 0.0
	if n := len(history) - 1; n > 0 {
		sigma = math.Sqrt(sumSq / float64(n))
	}
	horizon := p.Horizon
	if horizon < 1 {
		horizon = 1
	}

	return Prediction{
		PointEstimate: level,
		Uncertainty:   p.Z * sigma * math.Sqrt(float64(horizon)),
	}, nil
}
