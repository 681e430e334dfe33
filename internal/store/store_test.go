package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guardian-ai/guardian/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProblem() *api.ProblemInstance {
	return &api.ProblemInstance{
		ID:          uuid.NewString(),
		UserID:      "user-1",
		ProblemType: "ski_rental",
		Params:      api.Params{"commit_cost": 500, "step_cost": 10},
		State:       api.DecisionState{CurrentStep: 25},
		CreatedAt:   time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

// runLockerSuite exercises the cross-process lock of a shared backend. Two
// stores on the same server stand in for two processes.
func runLockerSuite(t *testing.T, a, b Locker) {
	ctx := context.Background()
	id := uuid.NewString()

	release, err := a.LockProblem(ctx, id)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = b.LockProblem(short, id)
	assert.Error(t, err, "held lock must block the other holder")

	other, err := b.LockProblem(ctx, uuid.NewString())
	require.NoError(t, err, "locks are per problem")
	other()

	acquired := make(chan func(), 1)
	go func() {
		r, err := b.LockProblem(ctx, id)
		if assert.NoError(t, err) {
			acquired <- r
		}
	}()
	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case r := <-acquired:
		r()
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not acquire the released lock")
	}
}

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		p := newProblem()
		require.NoError(t, s.CreateProblem(ctx, p))

		got, err := s.GetProblem(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, p.UserID, got.UserID)
		assert.Equal(t, p.ProblemType, got.ProblemType)
		assert.Equal(t, p.Params, got.Params)
		assert.Equal(t, p.State, got.State)
		assert.Equal(t, int64(0), got.Version)
		assert.True(t, p.CreatedAt.Equal(got.CreatedAt))

		assert.Error(t, s.CreateProblem(ctx, p), "duplicate id must be rejected")
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		missing := uuid.NewString()

		_, err := s.GetProblem(ctx, missing)
		assert.ErrorIs(t, err, api.ErrUnknownProblemID)

		_, err = s.SaveState(ctx, missing, 0, api.DecisionState{})
		assert.ErrorIs(t, err, api.ErrUnknownProblemID)

		err = s.AppendRecord(ctx, api.PerformanceRecord{ProblemID: missing, Timestamp: time.Now()})
		assert.ErrorIs(t, err, api.ErrUnknownProblemID)

		_, err = s.ListRecords(ctx, missing)
		assert.ErrorIs(t, err, api.ErrUnknownProblemID)

		_, err = s.RecordCount(ctx, missing)
		assert.ErrorIs(t, err, api.ErrUnknownProblemID)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		p := newProblem()
		require.NoError(t, s.CreateProblem(ctx, p))

		next := api.DecisionState{CurrentStep: 26, CostPaid: 10}
		v, err := s.SaveState(ctx, p.ID, 0, next)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		_, err = s.SaveState(ctx, p.ID, 0, api.DecisionState{CurrentStep: 99})
		assert.ErrorIs(t, err, api.ErrConcurrencyConflict)

		got, err := s.GetProblem(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, next, got.State)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("exactly one concurrent writer wins", func(t *testing.T) {
		s := newStore(t)
		p := newProblem()
		require.NoError(t, s.CreateProblem(ctx, p))

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.SaveState(ctx, p.ID, 0, api.DecisionState{CurrentStep: int64(100 + i)})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if assert.ErrorIs(t, err, api.ErrConcurrencyConflict) {
					conflicts++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})

	t.Run("records append in order", func(t *testing.T) {
		s := newStore(t)
		p := newProblem()
		require.NoError(t, s.CreateProblem(ctx, p))

		recs, err := s.ListRecords(ctx, p.ID)
		require.NoError(t, err)
		assert.Empty(t, recs)
		n, err := s.RecordCount(ctx, p.ID)
		require.NoError(t, err)
		assert.Zero(t, n)

		base := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendRecord(ctx, api.PerformanceRecord{
				ProblemID:     p.ID,
				Timestamp:     base.Add(time.Duration(i) * time.Minute),
				AlgorithmCost: float64(500 + i),
				OptimalCost:   450,
				RealizedRatio: float64(500+i) / 450,
			}))
		}

		recs, err = s.ListRecords(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		n, err = s.RecordCount(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		for i, rec := range recs {
			assert.Equal(t, p.ID, rec.ProblemID)
			assert.Equal(t, float64(500+i), rec.AlgorithmCost, fmt.Sprintf("record %d", i))
			assert.True(t, base.Add(time.Duration(i)*time.Minute).Equal(rec.Timestamp))
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewMemoryStore("")
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/state/guardian.json"

	s, err := NewMemoryStore(path)
	require.NoError(t, err)
	p := newProblem()
	require.NoError(t, s.CreateProblem(ctx, p))
	_, err = s.SaveState(ctx, p.ID, 0, api.DecisionState{CurrentStep: 26, CostPaid: 10})
	require.NoError(t, err)
	require.NoError(t, s.AppendRecord(ctx, api.PerformanceRecord{ProblemID: p.ID, Timestamp: time.Now(), AlgorithmCost: 1, OptimalCost: 1, RealizedRatio: 1}))
	require.NoError(t, s.Close())

	reopened, err := NewMemoryStore(path)
	require.NoError(t, err)
	got, err := reopened.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, int64(26), got.State.CurrentStep)

	recs, err := reopened.ListRecords(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	p := newProblem()
	require.NoError(t, s.CreateProblem(ctx, p))

	got, err := s.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	got.Params["commit_cost"] = 1
	got.State.CurrentStep = 1000

	again, err := s.GetProblem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 500.0, again.Params["commit_cost"])
	assert.Equal(t, int64(25), again.State.CurrentStep)
}
