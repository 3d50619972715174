// Package history journals per-epoch training metrics and test scores in
// a SQLite database so loss curves and variant comparisons can be read
// back after a run.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tsawler/go-mmfusion/training"
)

// FileName is the journal's name inside a run directory.
const FileName = "history.db"

const schema = `
CREATE TABLE IF NOT EXISTS epochs (
	run_id TEXT NOT NULL,
	fusion TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	train_loss REAL NOT NULL,
	val_loss REAL NOT NULL,
	val_macro_f1 REAL NOT NULL,
	learning_rate REAL NOT NULL,
	improved BOOLEAN NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, epoch)
);

CREATE TABLE IF NOT EXISTS test_results (
	run_id TEXT PRIMARY KEY,
	fusion TEXT NOT NULL,
	parameters INTEGER NOT NULL,
	test_loss REAL NOT NULL,
	test_macro_f1 REAL NOT NULL,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store wraps the SQLite connection. SQLite serializes writers itself, so
// Store needs no locking of its own.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize history: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

// Epoch is one journal row.
type Epoch struct {
	RunID  string
	Fusion string
	training.EpochMetrics
}

// Record stores the metrics of one epoch. A resumed run that repeats an
// epoch replaces the earlier row.
func (s *Store) Record(ctx context.Context, runID, fusion string, m training.EpochMetrics) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs
			(run_id, fusion, epoch, train_loss, val_loss, val_macro_f1, learning_rate, improved, skipped, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, fusion, m.Epoch, m.TrainLoss, m.ValLoss, m.ValMacroF1, m.LearningRate,
		m.Improved, m.Skipped, m.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record epoch %d: %w", m.Epoch, err)
	}
	return nil
}

// Recorder returns a trainer observer that journals every epoch.
func (s *Store) Recorder(ctx context.Context, runID, fusion string) func(training.EpochMetrics) error {
	return func(m training.EpochMetrics) error {
		return s.Record(ctx, runID, fusion, m)
	}
}

// Epochs returns the rows of a run ordered by epoch.
func (s *Store) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, fusion, epoch, train_loss, val_loss, val_macro_f1, learning_rate, improved, skipped, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var (
			e  Epoch
			ms int64
		)
		if err := rows.Scan(&e.RunID, &e.Fusion, &e.Epoch, &e.TrainLoss, &e.ValLoss,
			&e.ValMacroF1, &e.LearningRate, &e.Improved, &e.Skipped, &ms); err != nil {
			return nil, fmt.Errorf("scan epoch: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// TestResult is the test-split score of one trained variant.
type TestResult struct {
	RunID      string
	Fusion     string
	Parameters int64
	Loss       float64
	MacroF1    float64
}

// RecordTest stores the test score of a run, replacing any earlier one.
func (s *Store) RecordTest(ctx context.Context, r TestResult) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO test_results (run_id, fusion, parameters, test_loss, test_macro_f1)
		VALUES (?, ?, ?, ?, ?)`,
		r.RunID, r.Fusion, r.Parameters, r.Loss, r.MacroF1)
	if err != nil {
		return fmt.Errorf("record test result: %w", err)
	}
	return nil
}

// TestResults returns every stored test score, best first.
func (s *Store) TestResults(ctx context.Context) ([]TestResult, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT run_id, fusion, parameters, test_loss, test_macro_f1
		FROM test_results ORDER BY test_macro_f1 DESC, fusion`)
	if err != nil {
		return nil, fmt.Errorf("query test results: %w", err)
	}
	defer rows.Close()

	var out []TestResult
	for rows.Next() {
		var r TestResult
		if err := rows.Scan(&r.RunID, &r.Fusion, &r.Parameters, &r.Loss, &r.MacroF1); err != nil {
			return nil, fmt.Errorf("scan test result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
