package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/pkg/otel"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single predictor call.
const DefaultTimeout = 2 * time.Second

// Adapter validates predictor output and enforces a deadline on every call.
type Adapter struct {
	predictor Predictor
	timeout   time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-call deadline. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithClock overrides the clock used for Forecast.AsOf.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Adapter) { a.log = log }
}

// NewAdapter wraps predictor.
func NewAdapter(predictor Predictor, opts ...Option) *Adapter {
	a := &Adapter{
		predictor: predictor,
		timeout:   DefaultTimeout,
		now:       time.Now,
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type predictOutcome struct {
	pred Prediction
	err  error
}

// Forecast returns a validated forecast for history.
//
// Errors: api.ErrInsufficientData for empty history, api.ErrForecastTimeout
// when the deadline passes, api.ErrInvalidForecast for non-finite values and
// api.ErrPredictorUnavailable for any other predictor failure. A negative
// uncertainty is clamped to zero.
func (a *Adapter) Forecast(ctx context.Context, history []api.HistoricalPoint) (api.Forecast, error) {
	if len(history) == 0 {
		return api.Forecast{}, api.ErrInsufficientData
	}

	ctx, span := otel.StartSpan(ctx, otel.TracerForecast, "forecast.fetch", otel.AttrHistoryLen.Int(len(history)))
	defer span.End()

	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	// The predictor runs in its own goroutine so one that ignores ctx still
	// cannot hold up the caller past the deadline.
	done := make(chan predictOutcome, 1)
	go func() {
		pred, err := a.predictor.Predict(callCtx, history)
		done <- predictOutcome{pred: pred, err: err}
	}()

	var out predictOutcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}

	if out.err != nil {
		err := a.classify(ctx, out.err)
		otel.RecordError(span, err, "predictor failed")
		return api.Forecast{}, err
	}

	fc, err := a.validate(out.pred)
	if err != nil {
		otel.RecordError(span, err, "predictor returned invalid values")
		return api.Forecast{}, err
	}
	span.SetAttributes(otel.ForecastAttributes(fc.PointEstimate, fc.Uncertainty)...)
	return fc, nil
}

func (a *Adapter) classify(parent context.Context, err error) error {
	switch {
	case errors.Is(err, api.ErrInsufficientData),
		errors.Is(err, api.ErrInvalidForecast),
		errors.Is(err, api.ErrForecastTimeout),
		errors.Is(err, api.ErrPredictorUnavailable),
		errors.Is(err, api.ErrPredictorMisconfigured):
		return err
	case parent.Err() != nil:
		// caller gave up; not a predictor fault
		return parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", api.ErrForecastTimeout, a.timeout)
	default:
		return fmt.Errorf("%w: %v", api.ErrPredictorUnavailable, err)
	}
}

func (a *Adapter) validate(p Prediction) (api.Forecast, error) {
	if !api.IsFinite(p.PointEstimate) {
		return api.Forecast{}, fmt.Errorf("%w: point estimate %v", api.ErrInvalidForecast, p.PointEstimate)
	}
	if !api.IsFinite(p.Uncertainty) {
		return api.Forecast{}, fmt.Errorf("%w: uncertainty %v", api.ErrInvalidForecast, p.Uncertainty)
	}

	u := p.Uncertainty
	if u < 0 {
		a.log.WithField("uncertainty", u).Debug("clamping negative forecast uncertainty to 0")
		u = 0
	}

	return api.Forecast{
		PointEstimate: p.PointEstimate,
		Uncertainty:   u,
		AsOf:          a.now(),
	}, nil
}
