// Package history keeps a SQLite record of training runs, their epochs and
// the predictions served from the trained model.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("history: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	labels TEXT NOT NULL,
	backbone TEXT NOT NULL DEFAULT '',
	checkpoint_path TEXT NOT NULL DEFAULT '',
	epoch_budget INTEGER NOT NULL DEFAULT 0,
	patience INTEGER NOT NULL DEFAULT 0,
	train_samples INTEGER NOT NULL DEFAULT 0,
	validation_samples INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'running',
	best_epoch INTEGER NOT NULL DEFAULT 0,
	best_val_loss REAL NOT NULL DEFAULT 0,
	restored INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS epochs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	epoch INTEGER NOT NULL,
	loss REAL NOT NULL,
	accuracy REAL NOT NULL,
	val_loss REAL NOT NULL,
	val_accuracy REAL NOT NULL,
	state TEXT NOT NULL,
	checkpointed INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	UNIQUE(run_id, epoch)
);
CREATE TABLE IF NOT EXISTS predictions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	input TEXT NOT NULL,
	stage TEXT NOT NULL,
	present INTEGER NOT NULL,
	confidence REAL NOT NULL,
	model_path TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_epochs_run ON epochs(run_id);
`

// Run describes one training run.
type Run struct {
	ID                string
	StartedAt         time.Time
	FinishedAt        time.Time // zero while running
	Labels            []string
	Backbone          string
	CheckpointPath    string
	EpochBudget       int
	Patience          int
	TrainSamples      int
	ValidationSamples int
	State             string
	BestEpoch         int
	BestValLoss       float64
	Restored          bool
}

// EpochRecord is one row of the epochs table.
type EpochRecord struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	ValLoss      float64
	ValAccuracy  float64
	State        string
	Checkpointed bool
	Duration     time.Duration
}

// Summary closes a run.
type Summary struct {
	State       string
	BestEpoch   int
	BestValLoss float64
	Restored    bool
	FinishedAt  time.Time
}

// PredictionRecord is one served prediction.
type PredictionRecord struct {
	Source     string // cli, http, telegram
	Input      string
	Stage      string
	Present    bool
	Confidence float64
	ModelPath  string
	CreatedAt  time.Time
}

// Store is a SQLite backed history. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path in WAL mode.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a new run in the running state.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return err
	}
	if r.State == "" {
		r.State = "running"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, labels, backbone, checkpoint_path,
			epoch_budget, patience, train_samples, validation_samples, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC(), string(labels), r.Backbone, r.CheckpointPath,
		r.EpochBudget, r.Patience, r.TrainSamples, r.ValidationSamples, r.State)
	if err != nil {
		return fmt.Errorf("history: start run %s: %w", r.ID, err)
	}
	return nil
}

// RecordEpoch appends an epoch to a run.
func (s *Store) RecordEpoch(ctx context.Context, runID string, e EpochRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epochs (run_id, epoch, loss, accuracy, val_loss, val_accuracy,
			state, checkpointed, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy,
		e.State, e.Checkpointed, e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("history: record epoch %d of %s: %w", e.Epoch, runID, err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, sum Summary) error {
	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, state = ?, best_epoch = ?, best_val_loss = ?, restored = ?
		WHERE id = ?`,
		sum.FinishedAt.UTC(), sum.State, sum.BestEpoch, sum.BestValLoss, sum.Restored, runID)
	if err != nil {
		return fmt.Errorf("history: finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs returns the most recent runs first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, started_at, finished_at, labels, backbone, checkpoint_path, epoch_budget,
		patience, train_samples, validation_samples, state, best_epoch, best_val_loss, restored
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns a single run.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, started_at, finished_at, labels, backbone,
		checkpoint_path, epoch_budget, patience, train_samples, validation_samples, state,
		best_epoch, best_val_loss, restored FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Epochs returns the epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, loss, accuracy, val_loss, val_accuracy, state, checkpointed, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: query epochs: %w", err)
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var e EpochRecord
		var ms int64
		if err := rows.Scan(&e.Epoch, &e.Loss, &e.Accuracy, &e.ValLoss, &e.ValAccuracy,
			&e.State, &e.Checkpointed, &ms); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordPrediction appends a served prediction.
func (s *Store) RecordPrediction(ctx context.Context, p PredictionRecord) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (source, input, stage, present, confidence, model_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Source, p.Input, p.Stage, p.Present, p.Confidence, p.ModelPath, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("history: record prediction: %w", err)
	}
	return nil
}

// Predictions returns the most recent predictions first.
func (s *Store) Predictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, input, stage, present, confidence, model_path, created_at
		FROM predictions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		var p PredictionRecord
		if err := rows.Scan(&p.Source, &p.Input, &p.Stage, &p.Present, &p.Confidence,
			&p.ModelPath, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var finished sql.NullTime
	var labels string
	err := sc.Scan(&r.ID, &r.StartedAt, &finished, &labels, &r.Backbone, &r.CheckpointPath,
		&r.EpochBudget, &r.Patience, &r.TrainSamples, &r.ValidationSamples, &r.State,
		&r.BestEpoch, &r.BestValLoss, &r.Restored)
	if err != nil {
		return Run{}, err
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
		return Run{}, fmt.Errorf("history: run %s labels: %w", r.ID, err)
	}
	return r, nil
}
