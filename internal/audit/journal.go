// Package audit keeps an append-only, fsync'd journal of every decision the
// engine makes.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
)

// Entry is one journaled decision.
type Entry struct {
	DecisionID  string     `json:"decision_id"`
	ProblemID   string     `json:"problem_id"`
	UserID      string     `json:"user_id,omitempty"`
	ProblemType string     `json:"problem_type"`
	Action      api.Action `json:"action"`
	Guarantee   float64    `json:"guarantee"`
	Prediction  float64    `json:"prediction"`
	Uncertainty float64    `json:"uncertainty"`
	TrustLevel  float64    `json:"trust_level"`
	Degraded    bool       `json:"degraded,omitempty"`
	StepBefore  int64      `json:"step_before"`
	StepAfter   int64      `json:"step_after"`
	Committed   bool       `json:"committed"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Journal writes one JSON line per entry and syncs after each write.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewJournal opens (or creates) the journal for today under dir.
func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("decisions-%s.jsonl", time.Now().UTC().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{file: file, path: path}, nil
}

// Path returns the file being appended to.
func (j *Journal) Path() string {
	return j.path
}

// Append writes e and fsyncs it before returning.
func (j *Journal) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("journal is closed")
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close syncs and closes the journal. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

// Replay reads every well-formed entry from a journal file. Malformed lines,
// such as a torn final write, are skipped. A missing file yields no entries.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || e.DecisionID == "" {
			continue
		}
		entries = append(entries, e)
	}

	return entries, scanner.Err()
}
