// Package simulation replays a usage horizon through the decision engine and
// prices the outcome in hindsight.
package simulation

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/internal/engine"
	"github.com/guardian-ai/guardian/internal/guarantee"
	"github.com/guardian-ai/guardian/internal/metrics"
	"github.com/guardian-ai/guardian/internal/store"
	"github.com/guardian-ai/guardian/internal/strategy"
	"github.com/guardian-ai/guardian/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ratioTolerance absorbs floating-point noise when comparing the realized
// ratio with the guarantee.
const ratioTolerance = 1e-9

// Scenario describes one ski-rental run. Forecaster, when set, replaces the
// fixed Prediction/Uncertainty pair.
type Scenario struct {
	CommitCost    float64
	StepCost      float64
	TrustLevel    float64
	Prediction    float64
	Uncertainty   float64
	ActualHorizon int64

	RobustThresholdFactor float64
	UncertaintyWeight     float64
	Forecaster            engine.Forecaster
	History               []api.HistoricalPoint
	Log                   logrus.FieldLogger
}

// Step is one decision of the run.
type Step struct {
	Step      int64      `json:"step"`
	Action    api.Action `json:"action"`
	Guarantee float64    `json:"guarantee"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// Result summarizes a run.
type Result struct {
	ProblemID        string  `json:"problem_id"`
	Timeline         []Step  `json:"timeline"`
	Committed        bool    `json:"committed"`
	CommitStep       int64   `json:"commit_step,omitempty"`
	AlgorithmCost    float64 `json:"algorithm_cost"`
	OptimalCost      float64 `json:"optimal_cost"`
	CompetitiveRatio float64 `json:"competitive_ratio"`
	WorstGuarantee   float64 `json:"worst_guarantee"`
	WithinGuarantee  bool    `json:"within_guarantee"`
}

type staticForecaster struct {
	fc api.Forecast
}

func (s staticForecaster) Forecast(context.Context, []api.HistoricalPoint) (api.Forecast, error) {
	return s.fc, nil
}

// Run registers a fresh instance in a private in-memory store, decides once
// per step until the instance commits or the horizon ends, then records the
// hindsight outcome.
func Run(ctx context.Context, sc Scenario) (Result, error) {
	if sc.ActualHorizon < 0 {
		return Result{}, fmt.Errorf("%w: actual horizon must be >= 0", api.ErrInvalidRequest)
	}

	log := sc.Log
	if log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		log = quiet
	}
	fc := sc.Forecaster
	if fc == nil {
		fc = staticForecaster{fc: api.Forecast{PointEstimate: sc.Prediction, Uncertainty: sc.Uncertainty}}
	}
	history := sc.History
	if len(history) == 0 {
		history = []api.HistoricalPoint{{Timestamp: time.Now().UTC(), Value: sc.Prediction}}
	}
	weight := sc.UncertaintyWeight
	if weight == 0 {
		weight = guarantee.DefaultUncertaintyWeight
	}

	st, err := store.NewMemoryStore("")
	if err != nil {
		return Result{}, err
	}
	defer st.Close()

	reg, err := strategy.NewRegistry(strategy.NewSkiRental(sc.RobustThresholdFactor))
	if err != nil {
		return Result{}, err
	}
	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(st, reg, fc, guarantee.NewCalculator(weight), engine.WithLogger(log), engine.WithMetrics(m))
	tr, err := tracker.New(st, reg, tracker.WithLogger(log), tracker.WithMetrics(m))
	if err != nil {
		return Result{}, err
	}

	p, err := eng.Register(ctx, engine.NewProblem{
		UserID:      "simulation",
		ProblemType: strategy.SkiRentalType,
		Params: api.Params{
			strategy.ParamCommitCost: sc.CommitCost,
			strategy.ParamStepCost:   sc.StepCost,
		},
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{ProblemID: p.ID, WorstGuarantee: 1}
	for t := int64(0); t < sc.ActualHorizon; t++ {
		d, err := eng.Decide(ctx, p.ID, history, sc.TrustLevel)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", t, err)
		}
		res.Timeline = append(res.Timeline, Step{Step: d.Step, Action: d.Action, Guarantee: d.Guarantee, Degraded: d.Degraded})
		res.WorstGuarantee = math.Max(res.WorstGuarantee, d.Guarantee)

		if d.Action == api.ActionCommit {
			res.Committed = true
			res.CommitStep = d.Step
			break
		}
	}

	rec, err := tr.RecordOutcome(ctx, p.ID, float64(sc.ActualHorizon))
	if err != nil {
		return res, err
	}
	res.AlgorithmCost = rec.AlgorithmCost
	res.OptimalCost = rec.OptimalCost
	res.CompetitiveRatio = rec.RealizedRatio
	res.WithinGuarantee = res.CompetitiveRatio <= res.WorstGuarantee+ratioTolerance

	log.WithFields(logrus.Fields{
		"problem_id":        p.ID,
		"algorithm_cost":    res.AlgorithmCost,
		"optimal_cost":      res.OptimalCost,
		"competitive_ratio": res.CompetitiveRatio,
		"worst_guarantee":   res.WorstGuarantee,
	}).Info("simulation complete")
	return res, nil
}
