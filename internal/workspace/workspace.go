// Package workspace creates and destroys the isolated, git-backed working
// directories runs execute in.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mpurcell/drover/internal/run"
	"github.com/mpurcell/drover/internal/store"
	"github.com/mpurcell/drover/internal/workflow"
)

// ErrCreation wraps filesystem or git failures during workspace creation.
// A run that hits this never sees a partially initialized workspace.
var ErrCreation = errors.New("workspace creation failed")

// CommitMessageFunc generates the commit message used when releasing a
// dirty workspace. Pluggable; the default is a fixed template.
type CommitMessageFunc func(runID string) string

// DefaultCommitMessage is the fixed-template commit message strategy
func DefaultCommitMessage(runID string) string {
	return fmt.Sprintf("drover: checkpoint run %s", runID)
}

// CommitSummary reports what Release did with uncommitted changes
type CommitSummary struct {
	Committed  bool
	CommitHash string
	Message    string
}

// Manager allocates, reuses and removes workspaces. Reuse bookkeeping
// (the in_use lock) lives in the store so it survives process restarts.
type Manager struct {
	root          string
	store         *store.Store
	logger        *slog.Logger
	commitMessage CommitMessageFunc
}

// NewManager creates a workspace manager rooted at root
func NewManager(root string, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		root:          root,
		store:         st,
		logger:        logger,
		commitMessage: DefaultCommitMessage,
	}
}

// SetCommitMessageFunc overrides the commit message strategy
func (m *Manager) SetCommitMessageFunc(fn CommitMessageFunc) {
	m.commitMessage = fn
}

// Acquire returns a workspace for the run: an idle persistent workspace
// for the workflow when one exists, otherwise a freshly created one. The
// returned workspace is marked in_use and its path is available to the
// caller synchronously, so the run record can be updated before any
// further work begins.
func (m *Manager) Acquire(runID string, def *workflow.Definition) (*run.Workspace, error) {
	if def.Persistent {
		ws, err := m.store.AcquireIdleWorkspace(def.Name)
		if err == nil {
			if _, statErr := os.Stat(ws.Path); statErr == nil {
				m.logger.Info("reusing persistent workspace", "run_id", runID, "path", ws.Path)
				return ws, nil
			}
			// Directory vanished out from under the record; drop it and
			// create a fresh one
			m.logger.Warn("workspace record points at missing directory, discarding", "path", ws.Path)
			if delErr := m.store.DeleteWorkspace(ws.Path); delErr != nil {
				return nil, delErr
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return m.Create(runID, def)
}

// Create allocates a fresh directory and initializes a git checkout in it:
// a worktree branched off base_repo when the workflow names one, otherwise
// a new empty repository. The path is returned synchronously. Any failure
// cleans up the partial directory and wraps ErrCreation.
func (m *Manager) Create(runID string, def *workflow.Definition) (*run.Workspace, error) {
	var name, branch string
	if def.Persistent {
		name = fmt.Sprintf("%s-%s", def.Name, uuid.New().String()[:8])
		branch = fmt.Sprintf("drover/%s", def.Name)
	} else {
		name = runID
		branch = fmt.Sprintf("drover/%s", runID)
	}
	path := filepath.Join(m.root, name)

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreation, err)
	}

	var err error
	if def.BaseRepo != "" {
		err = addWorktree(def.BaseRepo, def.BaseBranch, branch, path)
	} else {
		err = initRepo(path, branch)
	}
	if err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("%w: %v", ErrCreation, err)
	}

	now := time.Now().UTC()
	ws := &run.Workspace{
		Path:         path,
		WorkflowName: def.Name,
		Branch:       branch,
		Persistent:   def.Persistent,
		InUse:        true,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
	if err := m.store.SaveWorkspace(ws); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("%w: %v", ErrCreation, err)
	}

	m.logger.Info("workspace created", "run_id", runID, "path", path, "branch", branch)
	return ws, nil
}

// Release commits uncommitted changes when asked, then clears the in_use
// lock. A clean tree is a normal, silent outcome, not an error.
func (m *Manager) Release(ws *run.Workspace, runID string, commitIfDirty bool) (CommitSummary, error) {
	var summary CommitSummary

	if commitIfDirty {
		dirty, err := isDirty(ws.Path)
		if err != nil {
			return summary, err
		}
		if dirty {
			msg := m.commitMessage(runID)
			hash, err := commitAll(ws.Path, msg)
			if err != nil {
				return summary, err
			}
			summary = CommitSummary{Committed: true, CommitHash: hash, Message: msg}
			m.logger.Info("committed workspace changes", "run_id", runID, "commit", hash)
		}
	}

	if err := m.store.ReleaseWorkspace(ws.Path); err != nil {
		return summary, err
	}
	return summary, nil
}

// Destroy removes the workspace directory, its git metadata and its store
// record. Idempotent: destroying an already-absent workspace is a no-op.
func (m *Manager) Destroy(ws *run.Workspace) error {
	if _, err := os.Stat(ws.Path); err == nil {
		// Worktrees need detaching from their source repo before the
		// directory goes away, or git keeps stale bookkeeping around
		if source := findSourceRepo(ws.Path); source != "" {
			removeWorktree(source, ws.Path, ws.Branch)
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("failed to remove workspace %s: %w", ws.Path, err)
		}
	}

	return m.store.DeleteWorkspace(ws.Path)
}
