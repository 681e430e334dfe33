// Package store persists problem instances, their decision state and their
// performance records.
package store

import (
	"context"

	"github.com/guardian-ai/guardian/internal/api"
)

// Store is the persistence contract of the decision core.
//
// SaveState is a compare-and-swap on the instance version: it succeeds only
// when the stored version equals expectedVersion, bumps the version and
// returns the new one. A mismatch returns api.ErrConcurrencyConflict.
// Records are append-only and ListRecords returns a consistent snapshot in
// append order. RecordCount is the length of that snapshot; records are
// never removed, so an unchanged count means an unchanged record list.
type Store interface {
	CreateProblem(ctx context.Context, p *api.ProblemInstance) error
	GetProblem(ctx context.Context, problemID string) (*api.ProblemInstance, error)
	SaveState(ctx context.Context, problemID string, expectedVersion int64, state api.DecisionState) (int64, error)
	AppendRecord(ctx context.Context, rec api.PerformanceRecord) error
	ListRecords(ctx context.Context, problemID string) ([]api.PerformanceRecord, error)
	RecordCount(ctx context.Context, problemID string) (int, error)
	Close() error
}

// Locker is implemented by stores shared between processes. LockProblem
// blocks until the caller holds problemID's lock or ctx is done; the
// returned func releases it.
type Locker interface {
	LockProblem(ctx context.Context, problemID string) (func(), error)
}
