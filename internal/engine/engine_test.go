package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/guardian-ai/guardian/internal/audit"
	"github.com/guardian-ai/guardian/internal/guarantee"
	"github.com/guardian-ai/guardian/internal/metrics"
	"github.com/guardian-ai/guardian/internal/store"
	"github.com/guardian-ai/guardian/internal/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type forecasterFunc func(ctx context.Context, history []api.HistoricalPoint) (api.Forecast, error)

func (f forecasterFunc) Forecast(ctx context.Context, history []api.HistoricalPoint) (api.Forecast, error) {
	return f(ctx, history)
}

func staticForecast(point, uncertainty float64) Forecaster {
	return forecasterFunc(func(context.Context, []api.HistoricalPoint) (api.Forecast, error) {
		return api.Forecast{PointEstimate: point, Uncertainty: uncertainty}, nil
	})
}

func failingForecast(err error) Forecaster {
	return forecasterFunc(func(context.Context, []api.HistoricalPoint) (api.Forecast, error) {
		return api.Forecast{}, err
	})
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (j *recordingJournal) Append(e audit.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.entries = append(j.entries, e)
	return nil
}

var history = []api.HistoricalPoint{{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Value: 42}}

var skiParams = api.Params{strategy.ParamCommitCost: 500, strategy.ParamStepCost: 10}

type harness struct {
	engine  *Engine
	store   store.Store
	metrics *metrics.Metrics
	hook    *logtest.Hook
}

func newHarness(t *testing.T, st store.Store, fc Forecaster, opts ...Option) *harness {
	t.Helper()

	if st == nil {
		mem, err := store.NewMemoryStore("")
		require.NoError(t, err)
		st = mem
	}
	reg, err := strategy.NewRegistry(strategy.NewSkiRental(strategy.DefaultRobustThresholdFactor))
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	m := metrics.New(prometheus.NewRegistry())

	opts = append([]Option{WithLogger(logger), WithMetrics(m)}, opts...)
	e := New(st, reg, fc, guarantee.NewCalculator(guarantee.DefaultUncertaintyWeight), opts...)
	return &harness{engine: e, store: st, metrics: m, hook: hook}
}

func (h *harness) register(t *testing.T, state api.DecisionState) *api.ProblemInstance {
	t.Helper()
	p, err := h.engine.Register(context.Background(), NewProblem{
		UserID:      "user-1",
		ProblemType: strategy.SkiRentalType,
		Params:      skiParams,
		State:       &state,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) state(t *testing.T, id string) *api.ProblemInstance {
	t.Helper()
	p, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestDecideWaitsBelowThreshold(t *testing.T) {
	h := newHarness(t, nil, staticForecast(70, 0))
	p := h.register(t, api.DecisionState{CurrentStep: 30})

	res, err := h.engine.Decide(context.Background(), p.ID, history, 0.8)
	require.NoError(t, err)

	assert.Equal(t, api.ActionWait, res.Action)
	assert.Equal(t, p.ID, res.ProblemID)
	assert.Equal(t, int64(30), res.Step)
	assert.Equal(t, 70.0, res.Prediction)
	assert.GreaterOrEqual(t, res.Guarantee, 1.0)
	assert.NotEmpty(t, res.DecisionID)
	assert.False(t, res.Degraded)

	got := h.state(t, p.ID)
	assert.Equal(t, int64(31), got.State.CurrentStep)
	assert.False(t, got.State.Committed)
	assert.Equal(t, 10.0, got.State.CostPaid)
	assert.Equal(t, int64(1), got.Version)
}

func TestDecideCommitsPastBreakEvenRegardlessOfTrust(t *testing.T) {
	for _, trust := range []float64{0, 0.3, 0.8, 1} {
		h := newHarness(t, nil, staticForecast(10, 2))
		p := h.register(t, api.DecisionState{CurrentStep: 60})

		res, err := h.engine.Decide(context.Background(), p.ID, history, trust)
		require.NoError(t, err)
		assert.Equal(t, api.ActionCommit, res.Action, "trust %v", trust)

		got := h.state(t, p.ID)
		assert.True(t, got.State.Committed)
		assert.Equal(t, int64(60), got.State.CommitStep)
		assert.Equal(t, int64(61), got.State.CurrentStep)
	}
}

func TestDecideTrustZeroGuaranteeIsRobustness(t *testing.T) {
	for _, fc := range []Forecaster{staticForecast(0, 0), staticForecast(20, 500), staticForecast(1e6, 3)} {
		h := newHarness(t, nil, fc)
		p := h.register(t, api.DecisionState{CurrentStep: 5})

		res, err := h.engine.Decide(context.Background(), p.ID, history, 0)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, res.Guarantee, 1e-12)
	}
}

func TestDecideCommittedIsIdempotent(t *testing.T) {
	journal := &recordingJournal{}
	h := newHarness(t, nil, staticForecast(30, 4), WithJournal(journal))
	committed := api.DecisionState{CurrentStep: 51, CostPaid: 1000, Committed: true, CommitStep: 50}
	p := h.register(t, committed)

	for i := 0; i < 3; i++ {
		res, err := h.engine.Decide(context.Background(), p.ID, history, 0.8)
		require.NoError(t, err)
		assert.Equal(t, api.ActionCommit, res.Action)
		assert.Equal(t, 1.0, res.Guarantee)
	}

	got := h.state(t, p.ID)
	assert.Equal(t, committed, got.State)
	assert.Equal(t, int64(0), got.Version)
	assert.Empty(t, journal.entries)
}

func TestDecideInvalidTrust(t *testing.T) {
	called := false
	h := newHarness(t, nil, forecasterFunc(func(context.Context, []api.HistoricalPoint) (api.Forecast, error) {
		called = true
		return api.Forecast{}, nil
	}))
	p := h.register(t, api.DecisionState{})

	for _, trust := range []float64{-0.1, 1.5} {
		_, err := h.engine.Decide(context.Background(), p.ID, history, trust)
		assert.ErrorIs(t, err, api.ErrInvalidTrustLevel)
	}
	assert.False(t, called, "forecaster must not run for invalid trust")
	assert.Equal(t, int64(0), h.state(t, p.ID).State.CurrentStep)
}

func TestDecideUnknownProblem(t *testing.T) {
	h := newHarness(t, nil, staticForecast(1, 0))

	_, err := h.engine.Decide(context.Background(), "missing", history, 0.5)
	assert.ErrorIs(t, err, api.ErrUnknownProblemID)
}

func TestDecideUnknownProblemType(t *testing.T) {
	mem, err := store.NewMemoryStore("")
	require.NoError(t, err)
	require.NoError(t, mem.CreateProblem(context.Background(), &api.ProblemInstance{
		ID:          "p-caching",
		ProblemType: "caching",
		Params:      api.Params{},
	}))

	h := newHarness(t, mem, staticForecast(1, 0))
	_, err = h.engine.Decide(context.Background(), "p-caching", history, 0.5)
	assert.ErrorIs(t, err, api.ErrUnknownProblemType)
}

func TestDecidePropagatesNonTransientForecastErrors(t *testing.T) {
	for _, ferr := range []error{api.ErrInsufficientData, api.ErrInvalidForecast} {
		h := newHarness(t, nil, failingForecast(ferr))
		p := h.register(t, api.DecisionState{CurrentStep: 3})

		_, err := h.engine.Decide(context.Background(), p.ID, history, 0.5)
		assert.ErrorIs(t, err, ferr)
		assert.Equal(t, int64(3), h.state(t, p.ID).State.CurrentStep)
	}
}

func TestDecideRobustFallbackOnTimeout(t *testing.T) {
	h := newHarness(t, nil, failingForecast(api.ErrForecastTimeout), WithFallback(FallbackRobust))
	p := h.register(t, api.DecisionState{CurrentStep: 10})

	res, err := h.engine.Decide(context.Background(), p.ID, history, 0.9)
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Equal(t, 0.0, res.TrustLevel)
	assert.Equal(t, 0.0, res.Prediction)
	assert.InDelta(t, 2.0, res.Guarantee, 1e-12)
	assert.Equal(t, api.ActionWait, res.Action)
	assert.Equal(t, int64(11), h.state(t, p.ID).State.CurrentStep)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Fallbacks.WithLabelValues("timeout")))
	entry := findEntry(h.hook, "forecast failed, deciding with the robust policy")
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
}

func TestDecideMisconfiguredPredictorSkipsFallback(t *testing.T) {
	misconfigured := fmt.Errorf("%w: smoothing alpha must be in (0, 1], got 1.5", api.ErrPredictorMisconfigured)
	h := newHarness(t, nil, failingForecast(misconfigured))
	p := h.register(t, api.DecisionState{CurrentStep: 10})

	_, err := h.engine.Decide(context.Background(), p.ID, history, 0.9)
	assert.ErrorIs(t, err, api.ErrPredictorMisconfigured)
	assert.Equal(t, int64(10), h.state(t, p.ID).State.CurrentStep)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ForecastErrors.WithLabelValues("misconfigured")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Fallbacks.WithLabelValues("misconfigured")))
}

func TestDecideFailFastOnTimeout(t *testing.T) {
	h := newHarness(t, nil, failingForecast(api.ErrForecastTimeout), WithFallback(FallbackFail))
	p := h.register(t, api.DecisionState{CurrentStep: 10})

	_, err := h.engine.Decide(context.Background(), p.ID, history, 0.9)
	assert.ErrorIs(t, err, api.ErrForecastTimeout)
	assert.Equal(t, int64(10), h.state(t, p.ID).State.CurrentStep)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Fallbacks.WithLabelValues("timeout")))
}

func TestDecideConcurrentSameProblem(t *testing.T) {
	h := newHarness(t, nil, staticForecast(500, 10))
	p := h.register(t, api.DecisionState{CurrentStep: 0})

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Decide(context.Background(), p.ID, history, 0.8)
			if err == nil && res.Action != api.ActionWait {
				err = errors.New("unexpected commit")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	got := h.state(t, p.ID)
	assert.Equal(t, int64(n), got.State.CurrentStep)
	assert.Equal(t, float64(n*10), got.State.CostPaid)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ConcurrencyConflict))
}

// racingStore moves the version forward behind the engine's back right
// before every state write.
type racingStore struct {
	*store.MemoryStore
}

func (s racingStore) SaveState(ctx context.Context, id string, expected int64, state api.DecisionState) (int64, error) {
	if _, err := s.MemoryStore.SaveState(ctx, id, expected, state); err != nil {
		return 0, err
	}
	return s.MemoryStore.SaveState(ctx, id, expected, state)
}

func TestDecideConcurrencyConflictIsReported(t *testing.T) {
	mem, err := store.NewMemoryStore("")
	require.NoError(t, err)
	journal := &recordingJournal{}
	h := newHarness(t, racingStore{mem}, staticForecast(40, 1), WithJournal(journal))
	p := h.register(t, api.DecisionState{CurrentStep: 1})

	_, err = h.engine.Decide(context.Background(), p.ID, history, 0.5)
	assert.ErrorIs(t, err, api.ErrConcurrencyConflict)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConcurrencyConflict))
	entry := findEntry(h.hook, "decision state changed under the problem lock")
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, int64(0), entry.Data["expected_version"])
	assert.Len(t, journal.entries, 1, "journal is written ahead of the state")
}

// lockingStore is a store shared by several engines, standing in for
// separate server processes on one database.
type lockingStore struct {
	*store.MemoryStore
	locks   *keyedLock
	lockErr error

	mu       sync.Mutex
	acquired int
}

func (s *lockingStore) LockProblem(ctx context.Context, id string) (func(), error) {
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()
	return unlock, nil
}

func TestDecideSerializesAcrossEnginesSharingAStore(t *testing.T) {
	mem, err := store.NewMemoryStore("")
	require.NoError(t, err)
	shared := &lockingStore{MemoryStore: mem, locks: newKeyedLock()}

	a := newHarness(t, shared, staticForecast(500, 10))
	b := newHarness(t, shared, staticForecast(500, 10))
	p := a.register(t, api.DecisionState{})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		h := a
		if i%2 == 1 {
			h = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Decide(context.Background(), p.ID, history, 0.8)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), a.state(t, p.ID).State.CurrentStep)
	assert.Equal(t, n, shared.acquired)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.ConcurrencyConflict))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.metrics.ConcurrencyConflict))
	assert.Zero(t, shared.locks.size())
}

func TestDecideStoreLockFailure(t *testing.T) {
	mem, err := store.NewMemoryStore("")
	require.NoError(t, err)
	lockErr := errors.New("lock backend down")
	shared := &lockingStore{MemoryStore: mem, locks: newKeyedLock(), lockErr: lockErr}
	h := newHarness(t, shared, staticForecast(40, 1))
	p := h.register(t, api.DecisionState{CurrentStep: 3})

	_, err = h.engine.Decide(context.Background(), p.ID, history, 0.5)
	assert.ErrorIs(t, err, lockErr)
	assert.Equal(t, int64(3), h.state(t, p.ID).State.CurrentStep)
	assert.Zero(t, h.engine.locks.size(), "process lock is released when the store lock fails")
}

// countingStore counts instance creations.
type countingStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	created int
}

func (s *countingStore) CreateProblem(ctx context.Context, p *api.ProblemInstance) error {
	s.mu.Lock()
	s.created++
	s.mu.Unlock()
	return s.MemoryStore.CreateProblem(ctx, p)
}

func TestRegisterAndDecide(t *testing.T) {
	mem, err := store.NewMemoryStore("")
	require.NoError(t, err)
	st := &countingStore{MemoryStore: mem}
	journal := &recordingJournal{}
	h := newHarness(t, st, staticForecast(70, 0), WithJournal(journal))

	res, err := h.engine.RegisterAndDecide(context.Background(), NewProblem{
		UserID:      "user-1",
		ProblemType: strategy.SkiRentalType,
		Params:      skiParams,
	}, history, 0.8)
	require.NoError(t, err)

	assert.Equal(t, api.ActionWait, res.Action)
	assert.Equal(t, int64(0), res.Step)
	assert.GreaterOrEqual(t, res.Guarantee, 1.0)
	assert.Equal(t, 1, st.created)

	got := h.state(t, res.ProblemID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, int64(1), got.State.CurrentStep)
	assert.Equal(t, 10.0, got.State.CostPaid)
	require.Len(t, journal.entries, 1)
	assert.Equal(t, res.ProblemID, journal.entries[0].ProblemID)
	assert.Equal(t, int64(1), journal.entries[0].StepAfter)

	// The created instance is an ordinary problem from here on.
	next, err := h.engine.Decide(context.Background(), res.ProblemID, history, 0.8)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Step)
}

func TestRegisterAndDecideCreatesNothingOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		fc      Forecaster
		opts    []Option
		np      NewProblem
		trust   float64
		wantErr error
	}{
		{
			name:    "trust out of range",
			fc:      staticForecast(70, 0),
			np:      NewProblem{ProblemType: strategy.SkiRentalType, Params: skiParams},
			trust:   1.5,
			wantErr: api.ErrInvalidTrustLevel,
		},
		{
			name:    "unknown problem type",
			fc:      staticForecast(70, 0),
			np:      NewProblem{ProblemType: "knapsack", Params: skiParams},
			trust:   0.5,
			wantErr: api.ErrUnknownProblemType,
		},
		{
			name:    "insufficient history",
			fc:      failingForecast(api.ErrInsufficientData),
			np:      NewProblem{ProblemType: strategy.SkiRentalType, Params: skiParams},
			trust:   0.5,
			wantErr: api.ErrInsufficientData,
		},
		{
			name:    "predictor unavailable without fallback",
			fc:      failingForecast(api.ErrPredictorUnavailable),
			opts:    []Option{WithFallback(FallbackFail)},
			np:      NewProblem{ProblemType: strategy.SkiRentalType, Params: skiParams},
			trust:   0.5,
			wantErr: api.ErrPredictorUnavailable,
		},
		{
			name:    "forecast timeout without fallback",
			fc:      failingForecast(api.ErrForecastTimeout),
			opts:    []Option{WithFallback(FallbackFail)},
			np:      NewProblem{ProblemType: strategy.SkiRentalType, Params: skiParams},
			trust:   0.5,
			wantErr: api.ErrForecastTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, err := store.NewMemoryStore("")
			require.NoError(t, err)
			st := &countingStore{MemoryStore: mem}
			journal := &recordingJournal{}
			h := newHarness(t, st, tt.fc, append(tt.opts, WithJournal(journal))...)

			_, err = h.engine.RegisterAndDecide(context.Background(), tt.np, history, tt.trust)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, st.created)
			assert.Empty(t, journal.entries)
		})
	}
}

func TestDecideWritesJournal(t *testing.T) {
	journal := &recordingJournal{}
	h := newHarness(t, nil, staticForecast(80, 5), WithJournal(journal))
	p := h.register(t, api.DecisionState{CurrentStep: 49})

	res, err := h.engine.Decide(context.Background(), p.ID, history, 1)
	require.NoError(t, err)
	require.Len(t, journal.entries, 1)

	e := journal.entries[0]
	assert.Equal(t, res.DecisionID, e.DecisionID)
	assert.Equal(t, p.ID, e.ProblemID)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, res.Action, e.Action)
	assert.Equal(t, res.Guarantee, e.Guarantee)
	assert.Equal(t, int64(49), e.StepBefore)
	assert.Equal(t, int64(50), e.StepAfter)
}

func TestDecideJournalFailureIsCounted(t *testing.T) {
	journal := &recordingJournal{err: errors.New("disk full")}
	h := newHarness(t, nil, staticForecast(80, 5), WithJournal(journal))
	p := h.register(t, api.DecisionState{})

	_, err := h.engine.Decide(context.Background(), p.ID, history, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.JournalErrors))
}

func TestDecideGuaranteeMonotoneInUncertainty(t *testing.T) {
	prev := 0.0
	for _, u := range []float64{0, 1, 10, 100, 1000} {
		h := newHarness(t, nil, staticForecast(40, u))
		p := h.register(t, api.DecisionState{CurrentStep: 2})

		res, err := h.engine.Decide(context.Background(), p.ID, history, 0.7)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Guarantee, prev, "uncertainty %v", u)
		assert.GreaterOrEqual(t, res.Guarantee, 1.0)
		prev = res.Guarantee
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, nil, staticForecast(1, 0))
	ctx := context.Background()

	_, err := h.engine.Register(ctx, NewProblem{ProblemType: "caching", Params: skiParams})
	assert.ErrorIs(t, err, api.ErrUnknownProblemType)

	_, err = h.engine.Register(ctx, NewProblem{
		ProblemType: strategy.SkiRentalType,
		Params:      api.Params{strategy.ParamCommitCost: 500},
	})
	assert.ErrorIs(t, err, api.ErrInvalidParams)

	p, err := h.engine.Register(ctx, NewProblem{ProblemType: strategy.SkiRentalType, Params: skiParams})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, api.DecisionState{}, p.State)
}

func TestParseFallbackPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FallbackPolicy
		wantErr bool
	}{
		{"", FallbackRobust, false},
		{"robust", FallbackRobust, false},
		{" FAIL ", FallbackFail, false},
		{"retry", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFallbackPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func findEntry(hook *logtest.Hook, msg string) *logrus.Entry {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return e
		}
	}
	return nil
}
