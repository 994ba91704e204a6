// Package store implements the persistence sink the run supervisor and
// metrics sampler write through: run status/lifecycle, time-series
// metrics, and per-transfer result records, backed by a local SQLite
// database via modernc.org/sqlite (no cgo required).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vayu-load/vayu/internal/model"
)

// Metric is one time-series data point the supervisor or sampler emits,
// per the control plane's add_metric/add_metrics_batch contract.
type Metric struct {
	RunID       string
	TimestampMs int64
	Name        string
	Value       float64
	Labels      string // opaque JSON, e.g. {"2xx":95,"5xx":5} for status_codes
}

// ConfigDefaults bounds the integer tuning knobs get_config_int resolves
// when the run config body doesn't override them.
type ConfigDefaults map[string]int

// Store is the control plane's persistence sink: run lifecycle status,
// batched metrics, and batched result records, plus the small integer
// config lookup the run supervisor consults for ambient event-loop
// tuning (worker count, DNS cache TTL, sampler interval, and so on).
type Store struct {
	db       *sql.DB
	defaults ConfigDefaults
}

// Open creates (if needed) and opens a SQLite database at path, applying
// the store's schema. path may be ":memory:" for an ephemeral store,
// typically used in tests and smoke runs.
func Open(path string, defaults ConfigDefaults) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	s := &Store{db: db, defaults: defaults}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	config_json TEXT NOT NULL,
	start_time_ms INTEGER NOT NULL,
	end_time_ms   INTEGER
);
CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT NOT NULL,
	ts_ms  INTEGER NOT NULL,
	name   TEXT NOT NULL,
	value  REAL NOT NULL,
	labels TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_run ON metrics(run_id, ts_ms);
CREATE TABLE IF NOT EXISTS results (
	run_id     TEXT NOT NULL,
	ts_ms      INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	status     INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	error_code TEXT,
	error_message TEXT,
	trace      TEXT
);
CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, ts_ms);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateRun inserts a new run row in Pending status, failing if runID
// already exists.
func (s *Store) CreateRun(ctx context.Context, runID string, configJSON []byte, startTimeMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, config_json, start_time_ms) VALUES (?, 'Pending', ?, ?)`,
		runID, string(configJSON), startTimeMs)
	return err
}

// UpdateRunStatus sets runID's status. Idempotent and concurrent-safe: a
// second call with the same status is a no-op write, and concurrent
// callers serialize through SQLite's own locking.
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	return err
}

// UpdateRunEndTime sets runID's end time to endTimeMs, in epoch milliseconds.
func (s *Store) UpdateRunEndTime(ctx context.Context, runID string, endTimeMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET end_time_ms = ? WHERE run_id = ?`, endTimeMs, runID)
	return err
}

// AddMetric inserts a single metric row.
func (s *Store) AddMetric(ctx context.Context, m Metric) error {
	return s.AddMetricsBatch(ctx, []Metric{m})
}

// AddMetricsBatch inserts metrics in a single transaction.
func (s *Store) AddMetricsBatch(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (run_id, ts_ms, name, value, labels) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.RunID, m.TimestampMs, m.Name, m.Value, m.Labels); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// InsertResults implements worker.ResultSink: a single-transaction batch
// insert of completed-transfer result records for runID.
func (s *Store) InsertResults(ctx context.Context, runID string, records []model.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, ts_ms, seq, status, latency_ms, error_code, error_message, trace) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		var code, message string
		if r.Error != nil {
			code, message = string(r.Error.Code), r.Error.Message
		}
		ts := r.Timestamp.UnixMilli()
		if _, err := stmt.ExecContext(ctx, runID, ts, r.SequenceNum, r.StatusCode, r.LatencyMs, code, message, r.BodySample); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetConfigInt implements the control plane's get_config_int(key,
// default) contract for ambient event-loop tuning keys.
func (s *Store) GetConfigInt(key string, def int) int {
	return model.GetConfigInt(s.defaults, key, def)
}
