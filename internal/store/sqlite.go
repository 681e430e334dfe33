package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/guardian-ai/guardian/internal/api"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQLiteStore is a single-node durable Store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) guardian.db in dataDir and runs pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "guardian.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations not yet recorded in schema_version.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations/sqlite")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/sqlite/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *SQLiteStore) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLiteStore) CreateProblem(ctx context.Context, p *api.ProblemInstance) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}
	state, err := json.Marshal(p.State)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO problems (id, user_id, problem_type, params, state, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.ProblemType, string(params), string(state), p.Version, p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting problem: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProblem(ctx context.Context, problemID string) (*api.ProblemInstance, error) {
	var (
		p             api.ProblemInstance
		params, state string
		createdAt     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, problem_type, params, state, version, created_at FROM problems WHERE id = ?`,
		problemID,
	).Scan(&p.ID, &p.UserID, &p.ProblemType, &params, &state, &p.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying problem: %w", err)
	}

	if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
		return nil, fmt.Errorf("decoding params: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &p.State); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, problemID string, expectedVersion int64, state api.DecisionState) (int64, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshalling state: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE problems SET state = ?, version = version + 1 WHERE id = ? AND version = ?`,
		string(data), problemID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("updating state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("updating state: %w", err)
	}
	if n == 0 {
		return 0, s.casFailure(ctx, problemID, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *SQLiteStore) casFailure(ctx context.Context, problemID string, expectedVersion int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM problems WHERE id = ?`, problemID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	if err != nil {
		return fmt.Errorf("querying version: %w", err)
	}
	return fmt.Errorf("%w: problem %s at version %d, expected %d", api.ErrConcurrencyConflict, problemID, current, expectedVersion)
}

func (s *SQLiteStore) AppendRecord(ctx context.Context, rec api.PerformanceRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO performance_records (problem_id, recorded_at, algorithm_cost, optimal_cost, realized_ratio)
		 SELECT id, ?, ?, ?, ? FROM problems WHERE id = ?`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.AlgorithmCost, rec.OptimalCost, rec.RealizedRatio, rec.ProblemID)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("inserting record: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", api.ErrUnknownProblemID, rec.ProblemID)
	}
	return nil
}

func (s *SQLiteStore) RecordCount(ctx context.Context, problemID string) (int, error) {
	var exists, n int
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM problems WHERE id = ?),
		        (SELECT COUNT(*) FROM performance_records WHERE problem_id = ?)`,
		problemID, problemID).Scan(&exists, &n)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}
	return n, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, problemID string) ([]api.PerformanceRecord, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM problems WHERE id = ?`, problemID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("querying problem: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProblemID, problemID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT recorded_at, algorithm_cost, optimal_cost, realized_ratio
		 FROM performance_records WHERE problem_id = ? ORDER BY seq ASC`, problemID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	recs := []api.PerformanceRecord{}
	for rows.Next() {
		rec := api.PerformanceRecord{ProblemID: problemID}
		var ts string
		if err := rows.Scan(&ts, &rec.AlgorithmCost, &rec.OptimalCost, &rec.RealizedRatio); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("decoding recorded_at: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
