package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpurcell/drover/internal/run"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no run or workspace matches the given key
var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when an update attempts to move a run out of a
// terminal status
var ErrTerminal = errors.New("run is in a terminal status")

// Store is the single source of truth for run and workspace records.
// All state the supervisor learns during execution flows through UpdateRun;
// nothing is kept in ad-hoc in-memory maps.
type Store struct {
	db *sql.DB

	// mu serializes read-modify-write merges so concurrent field updates
	// (session_id arriving mid-stream, the recovery sweep marking a run
	// failed) cannot race and drop a field
	mu sync.Mutex
}

// Open opens (creating if necessary) the sqlite database at dbPath
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		session_id TEXT,
		workspace_path TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		persistent INTEGER NOT NULL DEFAULT 0,
		pid INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		result TEXT,
		exit_code INTEGER,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		path TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		persistent INTEGER NOT NULL DEFAULT 0,
		in_use INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_workspaces_workflow ON workspaces(workflow_name);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateRun inserts a run record in pending state
func (s *Store) CreateRun(r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, workflow_name, session_id, workspace_path, status, persistent, pid, created_at, updated_at, completed_at, result, exit_code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.WorkflowName, nullStr(r.SessionID), nullStr(r.WorkspacePath), r.Status, r.Persistent,
		nullInt(r.PID), r.CreatedAt, r.UpdatedAt, r.CompletedAt, nullStr(r.Result), r.ExitCode, nullStr(r.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// RunUpdate carries the fields of a partial run update. Nil fields are
// left untouched; every non-nil field is merged, so workspace_path can be
// set independently of status or result.
type RunUpdate struct {
	SessionID     *string
	WorkspacePath *string
	Status        *run.Status
	PID           *int
	Result        *string
	ExitCode      *int
	Error         *string
	CompletedAt   *time.Time
}

// UpdateRun merges upd into the existing record as a single atomic
// read-modify-write. Status changes must follow the legal state machine;
// setting a status on an already-terminal run returns ErrTerminal.
func (s *Store) UpdateRun(runID string, upd RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getRun(runID)
	if err != nil {
		return err
	}

	if upd.Status != nil && *upd.Status != r.Status {
		if r.Status.IsTerminal() {
			return fmt.Errorf("cannot move run %s from %s to %s: %w", runID, r.Status, *upd.Status, ErrTerminal)
		}
		if !r.Status.CanTransitionTo(*upd.Status) {
			return fmt.Errorf("illegal status transition for run %s: %s -> %s", runID, r.Status, *upd.Status)
		}
		r.Status = *upd.Status
	}
	if upd.SessionID != nil {
		r.SessionID = *upd.SessionID
	}
	if upd.WorkspacePath != nil {
		r.WorkspacePath = *upd.WorkspacePath
	}
	if upd.PID != nil {
		r.PID = *upd.PID
	}
	if upd.Result != nil {
		r.Result = *upd.Result
	}
	if upd.ExitCode != nil {
		r.ExitCode = upd.ExitCode
	}
	if upd.Error != nil {
		r.Error = *upd.Error
	}
	if upd.CompletedAt != nil {
		r.CompletedAt = upd.CompletedAt
	}
	r.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(
		`UPDATE runs SET session_id = ?, workspace_path = ?, status = ?, pid = ?, updated_at = ?, completed_at = ?, result = ?, exit_code = ?, error = ?
		 WHERE run_id = ?`,
		nullStr(r.SessionID), nullStr(r.WorkspacePath), r.Status, nullInt(r.PID),
		r.UpdatedAt, r.CompletedAt, nullStr(r.Result), r.ExitCode, nullStr(r.Error), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given id, or ErrNotFound
func (s *Store) GetRun(runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRun(runID)
}

func (s *Store) getRun(runID string) (*run.Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, workflow_name, session_id, workspace_path, status, persistent, pid, created_at, updated_at, completed_at, result, exit_code, error
		 FROM runs WHERE run_id = ?`, runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first
func (s *Store) ListRuns(limit int) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT run_id, workflow_name, session_id, workspace_path, status, persistent, pid, created_at, updated_at, completed_at, result, exit_code, error
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListStuck returns runs still marked running whose updated_at predates
// the threshold. Feeds the recovery sweep.
func (s *Store) ListStuck(olderThan time.Duration) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(
		`SELECT run_id, workflow_name, session_id, workspace_path, status, persistent, pid, created_at, updated_at, completed_at, result, exit_code, error
		 FROM runs WHERE status = ? AND updated_at < ?`, run.StatusRunning, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var r run.Run
	var sessionID, workspacePath, result, errText sql.NullString
	var pid, exitCode sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(
		&r.RunID, &r.WorkflowName, &sessionID, &workspacePath, &r.Status, &r.Persistent,
		&pid, &r.CreatedAt, &r.UpdatedAt, &completedAt, &result, &exitCode, &errText,
	)
	if err != nil {
		return nil, err
	}

	r.SessionID = sessionID.String
	r.WorkspacePath = workspacePath.String
	r.Result = result.String
	r.Error = errText.String
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}

	return &r, nil
}

func collectRuns(rows *sql.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
