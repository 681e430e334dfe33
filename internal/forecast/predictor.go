// Package forecast turns raw prediction-service output into validated
// forecasts with a bounded deadline.
package forecast

import (
	"context"

	"github.com/guardian-ai/guardian/internal/api"
)

// Prediction is the raw, unvalidated output of a predictor.
type Prediction struct {
	PointEstimate float64 `json:"point_estimate"`
	Uncertainty   float64 `json:"uncertainty"`
}

// Predictor is the external prediction capability. Implementations may block
// on I/O and should honour ctx.
type Predictor interface {
	Predict(ctx context.Context, history []api.HistoricalPoint) (Prediction, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, history []api.HistoricalPoint) (Prediction, error)

func (f PredictorFunc) Predict(ctx context.Context, history []api.HistoricalPoint) (Prediction, error) {
	return f(ctx, history)
}

// StaticPredictor always returns the same prediction. Used for simulations
// and for callers that supply their own forecast.
type StaticPredictor struct {
	Point       float64
	Uncertainty float64
}

func (s StaticPredictor) Predict(_ context.Context, _ []api.HistoricalPoint) (Prediction, error) {
	return Prediction{PointEstimate: s.Point, Uncertainty: s.Uncertainty}, nil
}
