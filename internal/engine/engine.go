// Package engine orchestrates one online decision: forecast, strategy,
// guarantee and a compare-and-swap of the instance state under a
// per-problem lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/internal/audit"
	"github.com/guardian-ai/guardian/internal/guarantee"
	"github.com/guardian-ai/guardian/internal/metrics"
	"github.com/guardian-ai/guardian/internal/store"
	"github.com/guardian-ai/guardian/internal/strategy"
	"github.com/guardian-ai/guardian/pkg/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Forecaster produces a validated forecast; *forecast.Adapter implements it.
type Forecaster interface {
	Forecast(ctx context.Context, history []api.HistoricalPoint) (api.Forecast, error)
}

// Journal receives one entry per state-changing decision before the state is
// written; *audit.Journal implements it.
type Journal interface {
	Append(e audit.Entry) error
}

// FallbackPolicy selects what Decide does when the forecast fails with a
// transient error (timeout or unavailable predictor).
type FallbackPolicy string

const (
	// FallbackRobust decides with trust 0 and a zero forecast marked degraded.
	FallbackRobust FallbackPolicy = "robust"
	// FallbackFail returns the forecast error.
	FallbackFail FallbackPolicy = "fail"
)

// ParseFallbackPolicy accepts "robust" or "fail"; empty selects robust.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FallbackRobust, nil
	case FallbackRobust, FallbackFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown fallback policy %q (want robust or fail)", s)
	}
}

// Engine is safe for concurrent use. Calls for different problems run fully
// in parallel; calls for the same problem serialize on its state.
type Engine struct {
	store      store.Store
	registry   *strategy.Registry
	forecaster Forecaster
	calc       *guarantee.Calculator
	locks      *keyedLock

	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	journal  Journal
	fallback FallbackPolicy
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal enables the audit journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

func WithFallback(p FallbackPolicy) Option {
	return func(e *Engine) { e.fallback = p }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an engine. A nil calc uses the default uncertainty weight.
func New(st store.Store, registry *strategy.Registry, forecaster Forecaster, calc *guarantee.Calculator, opts ...Option) *Engine {
	if calc == nil {
		calc = guarantee.NewCalculator(guarantee.DefaultUncertaintyWeight)
	}
	e := &Engine{
		store:      st,
		registry:   registry,
		forecaster: forecaster,
		calc:       calc,
		locks:      newKeyedLock(),
		log:        logrus.StandardLogger(),
		fallback:   FallbackRobust,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	return e
}

// NewProblem is the registration payload. A nil State starts at step 0.
type NewProblem struct {
	UserID      string
	ProblemType string
	Params      api.Params
	State       *api.DecisionState
}

// Register validates np against its strategy and persists a new instance
// under a fresh id.
func (e *Engine) Register(ctx context.Context, np NewProblem) (*api.ProblemInstance, error) {
	_, p, err := e.newInstance(np)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateProblem(ctx, p); err != nil {
		return nil, fmt.Errorf("register problem: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"problem_id":   p.ID,
		"problem_type": p.ProblemType,
		"user_id":      p.UserID,
	}).Info("problem registered")
	return p, nil
}

// newInstance validates np and builds an unsaved instance under a fresh id.
func (e *Engine) newInstance(np NewProblem) (strategy.Strategy, *api.ProblemInstance, error) {
	s, err := e.registry.Lookup(np.ProblemType)
	if err != nil {
		return nil, nil, err
	}

	var state api.DecisionState
	if np.State != nil {
		state = *np.State
	}
	if err := s.Validate(np.Params, state); err != nil {
		return nil, nil, err
	}

	return s, &api.ProblemInstance{
		ID:          uuid.NewString(),
		UserID:      np.UserID,
		ProblemType: np.ProblemType,
		Params:      np.Params.Clone(),
		State:       state,
		CreatedAt:   e.now().UTC(),
	}, nil
}

// Get returns the current instance.
func (e *Engine) Get(ctx context.Context, problemID string) (*api.ProblemInstance, error) {
	return e.store.GetProblem(ctx, problemID)
}

// Decide makes one decision for problemID.
//
// Validation failures (trust level, unknown id or type) return immediately.
// The forecast is fetched before the problem lock is taken. A transient
// forecast failure either degrades to the robust policy or is returned,
// depending on the fallback policy; any other forecast failure is returned
// unchanged. Decide never retries; a version conflict on the state write is
// returned as api.ErrConcurrencyConflict.
func (e *Engine) Decide(ctx context.Context, problemID string, history []api.HistoricalPoint, trust float64) (api.DecisionResult, error) {
	start := e.now()
	ctx, span := otel.StartSpan(ctx, otel.TracerEngine, "engine.decide", otel.AttrProblemID.String(problemID))
	defer span.End()

	res, err := e.decide(ctx, problemID, history, trust)
	if err != nil {
		otel.RecordError(span, err, "decide failed")
		return api.DecisionResult{}, err
	}

	span.SetAttributes(otel.DecisionAttributes(string(res.Action), res.Guarantee, res.TrustLevel, res.Step, res.Degraded)...)
	e.metrics.DecideDuration.Observe(e.now().Sub(start).Seconds())
	return res, nil
}

func (e *Engine) decide(ctx context.Context, problemID string, history []api.HistoricalPoint, trust float64) (api.DecisionResult, error) {
	if err := checkTrust(trust); err != nil {
		return api.DecisionResult{}, err
	}

	p, err := e.store.GetProblem(ctx, problemID)
	if err != nil {
		return api.DecisionResult{}, err
	}
	s, err := e.registry.Lookup(p.ProblemType)
	if err != nil {
		return api.DecisionResult{}, err
	}

	fc, trust, err := e.forecast(ctx, p, history, trust)
	if err != nil {
		return api.DecisionResult{}, err
	}

	unlock, err := e.lock(ctx, problemID)
	if err != nil {
		return api.DecisionResult{}, err
	}
	defer unlock()

	// Reload under the lock; the copy read above may be stale.
	p, err = e.store.GetProblem(ctx, problemID)
	if err != nil {
		return api.DecisionResult{}, err
	}

	res, dec, err := e.apply(s, p, fc, trust)
	if err != nil {
		return api.DecisionResult{}, err
	}

	// A committed instance is absorbing: nothing is written and the bound is 1.
	if dec.Terminal {
		e.observe(p, res)
		return res, nil
	}

	e.appendJournal(p, res, dec.State)

	if _, err := e.store.SaveState(ctx, p.ID, p.Version, dec.State); err != nil {
		if errors.Is(err, api.ErrConcurrencyConflict) {
			e.metrics.ConcurrencyConflict.Inc()
			e.log.WithFields(logrus.Fields{
				"problem_id":       p.ID,
				"expected_version": p.Version,
				"decision_id":      res.DecisionID,
			}).WithError(err).Error("decision state changed under the problem lock")
		}
		return api.DecisionResult{}, err
	}

	e.observe(p, res)
	return res, nil
}

// RegisterAndDecide registers np and makes its first decision in one call.
// The instance is created only after the forecast and the strategy have
// succeeded, already holding the post-decision state, so a rejected call
// leaves nothing behind.
func (e *Engine) RegisterAndDecide(ctx context.Context, np NewProblem, history []api.HistoricalPoint, trust float64) (api.DecisionResult, error) {
	start := e.now()
	ctx, span := otel.StartSpan(ctx, otel.TracerEngine, "engine.register_and_decide",
		otel.ProblemAttributes("", np.ProblemType, np.UserID)...)
	defer span.End()

	res, err := e.registerAndDecide(ctx, np, history, trust)
	if err != nil {
		otel.RecordError(span, err, "register and decide failed")
		return api.DecisionResult{}, err
	}

	span.SetAttributes(otel.AttrProblemID.String(res.ProblemID))
	span.SetAttributes(otel.DecisionAttributes(string(res.Action), res.Guarantee, res.TrustLevel, res.Step, res.Degraded)...)
	e.metrics.DecideDuration.Observe(e.now().Sub(start).Seconds())
	return res, nil
}

func (e *Engine) registerAndDecide(ctx context.Context, np NewProblem, history []api.HistoricalPoint, trust float64) (api.DecisionResult, error) {
	if err := checkTrust(trust); err != nil {
		return api.DecisionResult{}, err
	}
	s, p, err := e.newInstance(np)
	if err != nil {
		return api.DecisionResult{}, err
	}

	fc, trust, err := e.forecast(ctx, p, history, trust)
	if err != nil {
		return api.DecisionResult{}, err
	}

	// The id is fresh, so no other caller can hold or contend for it yet.
	res, dec, err := e.apply(s, p, fc, trust)
	if err != nil {
		return api.DecisionResult{}, err
	}
	if !dec.Terminal {
		e.appendJournal(p, res, dec.State)
		p.State = dec.State
	}

	if err := e.store.CreateProblem(ctx, p); err != nil {
		return api.DecisionResult{}, fmt.Errorf("register problem: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"problem_id":   p.ID,
		"problem_type": p.ProblemType,
		"user_id":      p.UserID,
	}).Info("problem registered")
	e.observe(p, res)
	return res, nil
}

// apply runs the strategy on p and prices the guarantee of a non-terminal
// step. p is not modified.
func (e *Engine) apply(s strategy.Strategy, p *api.ProblemInstance, fc api.Forecast, trust float64) (api.DecisionResult, strategy.Decision, error) {
	dec, err := s.Decide(strategy.Input{
		Params:      p.Params,
		State:       p.State,
		Prediction:  fc.PointEstimate,
		Uncertainty: fc.Uncertainty,
		TrustLevel:  trust,
	})
	if err != nil {
		return api.DecisionResult{}, strategy.Decision{}, err
	}

	res := api.DecisionResult{
		DecisionID:  uuid.NewString(),
		ProblemID:   p.ID,
		Action:      dec.Action,
		Prediction:  fc.PointEstimate,
		Uncertainty: fc.Uncertainty,
		Guarantee:   1,
		TrustLevel:  trust,
		Step:        p.State.CurrentStep,
		Degraded:    fc.Degraded,
		DecidedAt:   e.now().UTC(),
	}
	if dec.Terminal {
		return res, dec, nil
	}
	if res.Guarantee, err = e.guarantee(s, p.Params, fc, trust); err != nil {
		return api.DecisionResult{}, strategy.Decision{}, err
	}
	return res, dec, nil
}

// lock serializes decisions on problemID within this process and, when the
// store supports it, across every process sharing the store.
func (e *Engine) lock(ctx context.Context, problemID string) (func(), error) {
	unlock, err := e.locks.Lock(ctx, problemID)
	if err != nil {
		return nil, err
	}
	locker, ok := e.store.(store.Locker)
	if !ok {
		return unlock, nil
	}
	release, err := locker.LockProblem(ctx, problemID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("lock problem %s: %w", problemID, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

func checkTrust(trust float64) error {
	if math.IsNaN(trust) || trust < 0 || trust > 1 {
		return fmt.Errorf("%w: got %v", api.ErrInvalidTrustLevel, trust)
	}
	return nil
}

// forecast returns the forecast and the trust level to decide with.
func (e *Engine) forecast(ctx context.Context, p *api.ProblemInstance, history []api.HistoricalPoint, trust float64) (api.Forecast, float64, error) {
	fc, err := e.forecaster.Forecast(ctx, history)
	if err == nil {
		return fc, trust, nil
	}

	kind := forecastErrorKind(err)
	e.metrics.ForecastErrors.WithLabelValues(kind).Inc()

	if e.fallback != FallbackRobust || !api.IsTransient(err) || ctx.Err() != nil {
		return api.Forecast{}, 0, err
	}

	e.metrics.Fallbacks.WithLabelValues(kind).Inc()
	e.log.WithFields(logrus.Fields{
		"problem_id":      p.ID,
		"requested_trust": trust,
	}).WithError(err).Warn("forecast failed, deciding with the robust policy")

	return api.Forecast{AsOf: e.now().UTC(), Degraded: true}, 0, nil
}

func (e *Engine) guarantee(s strategy.Strategy, params api.Params, fc api.Forecast, trust float64) (float64, error) {
	rob, err := s.RobustnessRatio(params)
	if err != nil {
		return 0, err
	}
	cons, err := s.ConsistencyRatio(params, fc.PointEstimate, trust)
	if err != nil {
		return 0, err
	}
	return e.calc.Compute(guarantee.Input{
		TrustLevel:  trust,
		Consistency: cons,
		Robustness:  rob,
		Uncertainty: fc.Uncertainty,
		Prediction:  fc.PointEstimate,
	})
}

// appendJournal is write-ahead: an entry whose state write then fails marks
// a decision that did not take effect.
func (e *Engine) appendJournal(p *api.ProblemInstance, res api.DecisionResult, next api.DecisionState) {
	if e.journal == nil {
		return
	}
	err := e.journal.Append(audit.Entry{
		DecisionID:  res.DecisionID,
		ProblemID:   p.ID,
		UserID:      p.UserID,
		ProblemType: p.ProblemType,
		Action:      res.Action,
		Guarantee:   res.Guarantee,
		Prediction:  res.Prediction,
		Uncertainty: res.Uncertainty,
		TrustLevel:  res.TrustLevel,
		Degraded:    res.Degraded,
		StepBefore:  p.State.CurrentStep,
		StepAfter:   next.CurrentStep,
		Committed:   next.Committed,
		Timestamp:   res.DecidedAt,
	})
	if err != nil {
		e.metrics.JournalErrors.Inc()
		e.log.WithField("decision_id", res.DecisionID).WithError(err).Error("audit journal append failed")
	}
}

func (e *Engine) observe(p *api.ProblemInstance, res api.DecisionResult) {
	e.metrics.Decisions.WithLabelValues(p.ProblemType, string(res.Action)).Inc()
	e.metrics.Guarantee.Observe(res.Guarantee)
	e.log.WithFields(logrus.Fields{
		"problem_id":  res.ProblemID,
		"action":      res.Action,
		"guarantee":   res.Guarantee,
		"trust_level": res.TrustLevel,
		"step":        res.Step,
		"degraded":    res.Degraded,
	}).Debug("decision made")
}

func forecastErrorKind(err error) string {
	switch {
	case errors.Is(err, api.ErrForecastTimeout):
		return "timeout"
	case errors.Is(err, api.ErrPredictorUnavailable):
		return "unavailable"
	case errors.Is(err, api.ErrInvalidForecast):
		return "invalid"
	case errors.Is(err, api.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, api.ErrPredictorMisconfigured):
		return "misconfigured"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
