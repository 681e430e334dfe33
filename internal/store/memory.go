package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/guardian-ai/guardian/internal/api"
)

// MemoryStore is an in-memory store with an optional JSON file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	problems map[string]*api.ProblemInstance
	records  map[string][]api.PerformanceRecord
	snapshot string // optional file path for persistence
}

type snapshotFile struct {
	Problems map[string]*api.ProblemInstance    `json:"problems"`
	Records  map[string][]api.PerformanceRecord `json:"records"`
}

// NewMemoryStore creates an in-memory store, loading snapshotPath if it exists
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		problems: make(map[string]*api.ProblemInstance),
		records:  make(map[string][]api.PerformanceRecord),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}

	return ms, nil
}

func cloneProblem(p *api.ProblemInstance) *api.ProblemInstance {
	out := *p
	out.Params = p.Params.Clone()
	return &out
}

func (m *MemoryStore) CreateProblem(ctx context.Context, p *api.ProblemInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.problems[p.ID]; exists {
		return fmt.Errorf("problem %s already exists", p.ID)
	}
	m.problems[p.ID] = cloneProblem(p)
	return nil
}

func (m *MemoryStore) GetProblem(ctx context.Context, problemID string) (*api.ProblemInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.problems[problemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	return cloneProblem(p), nil
}

func (m *MemoryStore) SaveState(ctx context.Context, problemID string, expectedVersion int64, state api.DecisionState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.problems[problemID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	if p.Version != expectedVersion {
		return 0, fmt.Errorf("%w: problem %s at version %d, expected %d", api.ErrConcurrencyConflict, problemID, p.Version, expectedVersion)
	}

	p.State = state
	p.Version++
	return p.Version, nil
}

func (m *MemoryStore) AppendRecord(ctx context.Context, rec api.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.problems[rec.ProblemID]; !ok {
		return fmt.Errorf("%w: %s", api.ErrUnknownProblemID, rec.ProblemID)
	}
	m.records[rec.ProblemID] = append(m.records[rec.ProblemID], rec)
	return nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, problemID string) ([]api.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.problems[problemID]; !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	recs := m.records[problemID]
	out := make([]api.PerformanceRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *MemoryStore) RecordCount(ctx context.Context, problemID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.problems[problemID]; !ok {
		return 0, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	return len(m.records[problemID]), nil
}

// Flush writes the snapshot file if one is configured.
func (m *MemoryStore) Flush() error {
	if m.snapshot == "" {
		return nil
	}
	return m.saveSnapshot()
}

func (m *MemoryStore) Close() error {
	return m.Flush()
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range snap.Problems {
		m.problems[id] = p
	}
	for id, recs := range snap.Records {
		m.records[id] = recs
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(snapshotFile{Problems: m.problems, Records: m.records}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(m.snapshot); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	// atomic replace
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}
