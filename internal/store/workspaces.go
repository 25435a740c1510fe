package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpurcell/drover/internal/run"
)

// SaveWorkspace inserts a workspace record, or replaces an existing record
// for the same path
func (s *Store) SaveWorkspace(ws *run.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO workspaces (path, workflow_name, branch, persistent, in_use, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ws.Path, ws.WorkflowName, ws.Branch, ws.Persistent, ws.InUse, ws.CreatedAt, ws.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns the workspace record for the given path
func (s *Store) GetWorkspace(path string) (*run.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWorkspace(path)
}

func (s *Store) getWorkspace(path string) (*run.Workspace, error) {
	row := s.db.QueryRow(
		`SELECT path, workflow_name, branch, persistent, in_use, created_at, last_used_at
		 FROM workspaces WHERE path = ?`, path,
	)
	var ws run.Workspace
	err := row.Scan(&ws.Path, &ws.WorkflowName, &ws.Branch, &ws.Persistent, &ws.InUse, &ws.CreatedAt, &ws.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// AcquireIdleWorkspace finds a persistent workspace for the workflow that
// is not in use, marks it in use, and returns it. The check and the mark
// happen inside one transaction under the store lock, so two concurrent
// callers can never both acquire the same workspace. Returns ErrNotFound
// when no idle workspace exists.
func (s *Store) AcquireIdleWorkspace(workflowName string) (*run.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT path, workflow_name, branch, persistent, in_use, created_at, last_used_at
		 FROM workspaces
		 WHERE workflow_name = ? AND persistent = 1 AND in_use = 0
		 ORDER BY last_used_at DESC LIMIT 1`, workflowName,
	)

	var ws run.Workspace
	err = row.Scan(&ws.Path, &ws.WorkflowName, &ws.Branch, &ws.Persistent, &ws.InUse, &ws.CreatedAt, &ws.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no idle workspace for workflow %s: %w", workflowName, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	ws.InUse = true
	ws.LastUsedAt = time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE workspaces SET in_use = 1, last_used_at = ? WHERE path = ?`,
		ws.LastUsedAt, ws.Path,
	); err != nil {
		return nil, fmt.Errorf("failed to mark workspace in use: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ws, nil
}

// ReleaseWorkspace clears the in_use flag for the given path. Releasing a
// workspace that is not marked in use is a no-op.
func (s *Store) ReleaseWorkspace(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE workspaces SET in_use = 0, last_used_at = ? WHERE path = ?`,
		time.Now().UTC(), path,
	)
	if err != nil {
		return fmt.Errorf("failed to release workspace: %w", err)
	}
	return nil
}

// DeleteWorkspace removes the workspace record. Deleting an absent record
// is a no-op.
func (s *Store) DeleteWorkspace(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM workspaces WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	return nil
}
