package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/mpurcell/drover/internal/agent"
	"github.com/mpurcell/drover/internal/run"
	"github.com/mpurcell/drover/internal/store"
)

// Sweep performs one recovery pass: every run stuck in running state past
// the staleness threshold is probed by pid; if the process is gone, the
// run is marked failed with a recovery note and its workspace lock is
// released so future runs are not blocked by a crashed supervisor.
// The sweep never raises; it logs, corrects state, and returns the
// number of runs it corrected.
func (s *Supervisor) Sweep() int {
	stuck, err := s.store.ListStuck(s.opts.StuckThreshold)
	if err != nil {
		s.logger.Error("recovery sweep failed to list stuck runs", "error", err)
		return 0
	}

	corrected := 0
	for _, r := range stuck {
		// Runs with a live handle in this process are merely slow
		s.mu.Lock()
		_, owned := s.active[r.RunID]
		s.mu.Unlock()
		if owned {
			continue
		}

		if agent.Alive(r.PID) {
			s.logger.Info("stuck run still has a live process, leaving it", "run_id", r.RunID, "pid", r.PID)
			continue
		}

		s.logger.Warn("recovering stuck run", "run_id", r.RunID, "pid", r.PID, "updated_at", r.UpdatedAt)

		failed := run.StatusFailed
		errText := "recovered by sweep: supervisor process lost"
		now := time.Now().UTC()
		if err := s.store.UpdateRun(r.RunID, store.RunUpdate{
			Status:      &failed,
			Error:       &errText,
			CompletedAt: &now,
		}); err != nil {
			s.logger.Error("sweep failed to mark run failed", "run_id", r.RunID, "error", err)
			continue
		}

		s.recoverWorkspace(r)
		corrected++
	}

	return corrected
}

// recoverWorkspace releases or destroys the workspace a dead run left
// behind, looked up by the path recorded on the run. Failures are logged
// only; the run's corrected status stands.
func (s *Supervisor) recoverWorkspace(r *run.Run) {
	if r.WorkspacePath == "" {
		return
	}

	ws, err := s.store.GetWorkspace(r.WorkspacePath)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to look up workspace for recovery", "run_id", r.RunID, "error", err)
		}
		return
	}

	s.releaseWorkspace(r.RunID, ws, ws.Persistent)
}

// RunSweeper runs Sweep on a fixed interval until ctx is cancelled
func (s *Supervisor) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("recovery sweep corrected runs", "count", n)
			}
		}
	}
}
