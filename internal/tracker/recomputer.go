package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRecomputeInterval    = 30 * time.Second
	DefaultRecomputeConcurrency = 4
)

// Recomputer periodically refreshes the summaries of problems that received
// records since their last recompute. It only reads the append-only record
// log, so it runs safely alongside Record.
type Recomputer struct {
	tracker     *Tracker
	interval    time.Duration
	concurrency int
	log         logrus.FieldLogger
}

// NewRecomputer creates a recomputer for t. Non-positive values select the
// defaults.
func NewRecomputer(t *Tracker, interval time.Duration, concurrency int) *Recomputer {
	if interval <= 0 {
		interval = DefaultRecomputeInterval
	}
	if concurrency <= 0 {
		concurrency = DefaultRecomputeConcurrency
	}
	return &Recomputer{
		tracker:     t,
		interval:    interval,
		concurrency: concurrency,
		log:         t.log,
	}
}

// Run recomputes on every tick until ctx is done.
func (r *Recomputer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"interval":    r.interval,
		"concurrency": r.concurrency,
	}).Info("summary recomputer started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("summary recomputer stopped")
			return
		case <-ticker.C:
			n, err := r.RecomputeDirty(ctx)
			if err != nil {
				r.log.WithError(err).Warn("summary recompute incomplete")
			}
			if expired := r.tracker.cache.CleanupExpired(); n > 0 || expired > 0 {
				r.log.WithFields(logrus.Fields{"recomputed": n, "expired": expired}).Debug("summary recompute pass")
			}
		}
	}
}

// RecomputeDirty refreshes every dirty summary with bounded parallelism and
// returns how many succeeded. A failing problem stays dirty for the next
// pass and does not stop the others.
func (r *Recomputer) RecomputeDirty(ctx context.Context) (int, error) {
	ids := r.tracker.Dirty()
	if len(ids) == 0 {
		return 0, nil
	}

	done := make([]bool, len(ids))
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.tracker.recompute(ctx, id); err != nil {
				return fmt.Errorf("recompute %s: %w", id, err)
			}
			done[i] = true
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, ok := range done {
		if ok {
			n++
		}
	}
	return n, err
}
