package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecomputeDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		f.createProblem(t, id, api.DecisionState{})
		_, err := f.tracker.Record(ctx, id, 120, 100)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, f.tracker.Dirty())

	r := NewRecomputer(f.tracker, time.Hour, 2)
	n, err := r.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.tracker.Dirty())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Recomputes))

	// Warmed: the next summarize is a cache hit.
	sum, err := f.tracker.Summarize(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalDecisions)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SummaryCache.WithLabelValues("hit")))

	n, err = r.RecomputeDirty(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecomputeStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.createProblem(t, "a", api.DecisionState{})
	_, err := f.tracker.Record(context.Background(), "a", 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := NewRecomputer(f.tracker, 0, 0).RecomputeDirty(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, []string{"a"}, f.tracker.Dirty())
}

func TestRecomputerRun(t *testing.T) {
	f := newFixture(t)
	f.createProblem(t, "a", api.DecisionState{})
	_, err := f.tracker.Record(context.Background(), "a", 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRecomputer(f.tracker, 10*time.Millisecond, 1).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(f.tracker.Dirty()) == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
