// Package results persists finished-run estimates to a SQLite database so
// runs can be compared and aggregated by surrounding tooling.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/naezzell/advmeaPMRQMC/internal/measure"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	params      TEXT NOT NULL,
	mean_q      REAL NOT NULL,
	max_q       INTEGER NOT NULL,
	interrupted INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS estimates (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	observable TEXT NOT NULL,
	mean       REAL NOT NULL,
	std_err    REAL NOT NULL,
	samples    INTEGER NOT NULL,
	bins       INTEGER NOT NULL,
	PRIMARY KEY (run_id, observable)
);
`

// Store records run results in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the results database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating results directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening results database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with a single writer

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing results schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunRecord is the per-run metadata stored alongside the estimates.
type RunRecord struct {
	RunID       string
	CreatedAt   time.Time
	Params      any
	MeanQ       float64
	MaxQ        int
	Interrupted bool
}

// Record inserts a run and its estimates in one transaction.
func (s *Store) Record(ctx context.Context, rec RunRecord, ests []measure.Estimate) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshaling run params: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, params, mean_q, max_q, interrupted) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(params),
		rec.MeanQ, rec.MaxQ, rec.Interrupted)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", rec.RunID, err)
	}
	for _, e := range ests {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO estimates (run_id, observable, mean, std_err, samples, bins) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, string(e.Observable), e.Mean, e.StdErr, e.Samples, e.Bins)
		if err != nil {
			return fmt.Errorf("inserting estimate %s: %w", e.Observable, err)
		}
	}
	return tx.Commit()
}

// Estimates loads the stored estimates for a run, ordered by observable.
func (s *Store) Estimates(ctx context.Context, runID string) ([]measure.Estimate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT observable, mean, std_err, samples, bins FROM estimates WHERE run_id = ? ORDER BY observable`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("querying estimates: %w", err)
	}
	defer rows.Close()

	var out []measure.Estimate
	for rows.Next() {
		var e measure.Estimate
		var obs string
		if err := rows.Scan(&obs, &e.Mean, &e.StdErr, &e.Samples, &e.Bins); err != nil {
			return nil, fmt.Errorf("scanning estimate: %w", err)
		}
		e.Observable = measure.Observable(obs)
		out = append(out, e)
	}
	return out, rows.Err()
}
