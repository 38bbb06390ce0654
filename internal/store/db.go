package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-analytics-etl/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrRunNotFound is returned when a run id has no row.
	ErrRunNotFound = errors.New("run not found")
	// ErrTerminalPhase is returned when a phase change targets a run that
	// already reached completed, failed or cancelled.
	ErrTerminalPhase = errors.New("run is in a terminal phase")
)

// DB is the durable run store. Every workflow decision is written here
// BEFORE it is acted on, so a crashed process can reopen the file and
// resume from the recorded phase. SQLite keeps it a single local file.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the run store at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			run_id TEXT NOT NULL,
			activity_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			heartbeat_at DATETIME,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, activity_id)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, kind)
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating run store schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database handle.
func (s *DB) Close() error { return s.db.Close() }

// CreateRun inserts a new run in the pending phase.
func (s *DB) CreateRun(runID string) (*model.WorkflowRun, error) {
	now := time.Now().UTC()
	run := &model.WorkflowRun{
		RunID:     runID,
		Phase:     model.PhasePending,
		StartedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, phase, started_at, updated_at) VALUES (?, ?, ?, ?)`,
		run.RunID, run.Phase, run.StartedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating run %s: %w", runID, err)
	}
	return run, nil
}

// GetRun fetches one run by id.
func (s *DB) GetRun(runID string) (*model.WorkflowRun, error) {
	row := s.db.QueryRow(
		`SELECT run_id, phase, last_error, started_at, completed_at, updated_at FROM runs WHERE run_id = ?`,
		runID)
	return scanRun(row)
}

// ListRuns returns every run, newest first.
func (s *DB) ListRuns() ([]model.WorkflowRun, error) {
	rows, err := s.db.Query(
		`SELECT run_id, phase, last_error, started_at, completed_at, updated_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ResumableRuns returns runs left in a non-terminal phase, oldest first,
// so a restarted process can pick them back up.
func (s *DB) ResumableRuns() ([]model.WorkflowRun, error) {
	rows, err := s.db.Query(
		`SELECT run_id, phase, last_error, started_at, completed_at, updated_at FROM runs
		 WHERE phase NOT IN (?, ?, ?) ORDER BY started_at ASC`,
		model.PhaseCompleted, model.PhaseFailed, model.PhaseCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.WorkflowRun, error) {
	var run model.WorkflowRun
	var completedAt sql.NullTime
	err := row.Scan(&run.RunID, &run.Phase, &run.LastError, &run.StartedAt, &completedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// SetPhase advances a run's phase. Terminal runs are immutable: the
// guarded UPDATE refuses to touch them and the caller gets
// ErrTerminalPhase. Terminal targets also stamp completed_at.
func (s *DB) SetPhase(runID string, phase model.Phase, lastErr string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if phase.Terminal() {
		res, err = s.db.Exec(
			`UPDATE runs SET phase = ?, last_error = ?, completed_at = ?, updated_at = ?
			 WHERE run_id = ? AND phase NOT IN (?, ?, ?)`,
			phase, lastErr, now, now,
			runID, model.PhaseCompleted, model.PhaseFailed, model.PhaseCancelled)
	} else {
		res, err = s.db.Exec(
			`UPDATE runs SET phase = ?, last_error = ?, updated_at = ?
			 WHERE run_id = ? AND phase NOT IN (?, ?, ?)`,
			phase, lastErr, now,
			runID, model.PhaseCompleted, model.PhaseFailed, model.PhaseCancelled)
	}
	if err != nil {
		return fmt.Errorf("setting phase %s on run %s: %w", phase, runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(runID); errors.Is(err, ErrRunNotFound) {
			return ErrRunNotFound
		}
		return ErrTerminalPhase
	}
	return nil
}

// RequestCancel flips the cancel flag on a non-terminal run. The
// orchestrator polls the flag and winds the run down cooperatively.
func (s *DB) RequestCancel(runID string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET cancel_requested = 1, updated_at = ?
		 WHERE run_id = ? AND phase NOT IN (?, ?, ?)`,
		time.Now().UTC(), runID,
		model.PhaseCompleted, model.PhaseFailed, model.PhaseCancelled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(runID); errors.Is(err, ErrRunNotFound) {
			return ErrRunNotFound
		}
		return ErrTerminalPhase
	}
	return nil
}

// CancelRequested reports whether cancellation has been requested.
func (s *DB) CancelRequested(runID string) (bool, error) {
	var flag int
	err := s.db.QueryRow(`SELECT cancel_requested FROM runs WHERE run_id = ?`, runID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// BeginActivity records one more attempt at an activity and marks it
// running. It returns the attempt number just started.
func (s *DB) BeginActivity(runID, activityID string) (int, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO activities (run_id, activity_id, attempts, status, heartbeat_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(run_id, activity_id) DO UPDATE SET
			attempts = attempts + 1,
			status = excluded.status,
			last_error = '',
			heartbeat_at = excluded.heartbeat_at,
			updated_at = excluded.updated_at`,
		runID, activityID, model.ActivityRunning, now, now)
	if err != nil {
		return 0, fmt.Errorf("beginning activity %s/%s: %w", runID, activityID, err)
	}
	var attempts int
	err = s.db.QueryRow(
		`SELECT attempts FROM activities WHERE run_id = ? AND activity_id = ?`,
		runID, activityID).Scan(&attempts)
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// Heartbeat stamps liveness for a running activity. The orchestrator's
// watchdog treats a stale stamp as a dead worker.
func (s *DB) Heartbeat(runID, activityID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE activities SET heartbeat_at = ?, updated_at = ? WHERE run_id = ? AND activity_id = ?`,
		now, now, runID, activityID)
	return err
}

// FinishActivity records the terminal outcome of one attempt.
func (s *DB) FinishActivity(runID, activityID, status, lastErr string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE activities SET status = ?, last_error = ?, updated_at = ? WHERE run_id = ? AND activity_id = ?`,
		status, lastErr, now, runID, activityID)
	return err
}

// GetActivity fetches one activity's recorded state.
func (s *DB) GetActivity(runID, activityID string) (*model.ActivityState, error) {
	row := s.db.QueryRow(
		`SELECT run_id, activity_id, attempts, status, last_error, heartbeat_at, updated_at
		 FROM activities WHERE run_id = ? AND activity_id = ?`,
		runID, activityID)
	var a model.ActivityState
	var hb sql.NullTime
	err := row.Scan(&a.RunID, &a.ActivityID, &a.Attempts, &a.Status, &a.LastError, &hb, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if hb.Valid {
		t := hb.Time
		a.HeartbeatAt = &t
	}
	return &a, nil
}

// ListActivities returns every activity of a run, stable by id.
func (s *DB) ListActivities(runID string) ([]model.ActivityState, error) {
	rows, err := s.db.Query(
		`SELECT run_id, activity_id, attempts, status, last_error, heartbeat_at, updated_at
		 FROM activities WHERE run_id = ? ORDER BY activity_id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActivityState
	for rows.Next() {
		var a model.ActivityState
		var hb sql.NullTime
		if err := rows.Scan(&a.RunID, &a.ActivityID, &a.Attempts, &a.Status, &a.LastError, &hb, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if hb.Valid {
			t := hb.Time
			a.HeartbeatAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveSnapshot persists one extracted collection as JSON. Re-extracting
// the same kind overwrites the previous payload.
func (s *DB) SaveSnapshot(runID string, set *model.EntitySet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", set.Kind, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (run_id, kind, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, kind) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		runID, set.Kind, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving %s snapshot for run %s: %w", set.Kind, runID, err)
	}
	return nil
}

// LoadSnapshot reads back one persisted collection, or nil when the run
// never extracted it.
func (s *DB) LoadSnapshot(runID string, kind model.EntityKind) (*model.EntitySet, error) {
	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM snapshots WHERE run_id = ? AND kind = ?`, runID, kind).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var set model.EntitySet
	if err := json.Unmarshal([]byte(payload), &set); err != nil {
		return nil, fmt.Errorf("decoding %s snapshot for run %s: %w", kind, runID, err)
	}
	return &set, nil
}

// LoadSnapshots assembles whatever collections the run has persisted.
func (s *DB) LoadSnapshots(runID string) (model.Snapshot, error) {
	snap := make(model.Snapshot)
	for _, kind := range model.AllKinds() {
		set, err := s.LoadSnapshot(runID, kind)
		if err != nil {
			return nil, err
		}
		if set != nil {
			snap[kind] = set
		}
	}
	return snap, nil
}
