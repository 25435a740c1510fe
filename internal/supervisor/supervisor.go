// Package supervisor coordinates run execution: workspace acquisition,
// configuration materialization, process supervision, state persistence
// and cleanup, plus the recovery sweep for runs lost to a crashed process.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpurcell/drover/internal/agent"
	"github.com/mpurcell/drover/internal/eventlog"
	"github.com/mpurcell/drover/internal/run"
	"github.com/mpurcell/drover/internal/store"
	"github.com/mpurcell/drover/internal/stream"
	"github.com/mpurcell/drover/internal/workflow"
	"github.com/mpurcell/drover/internal/workspace"
)

// Options configures a Supervisor
type Options struct {
	WorkflowDir    string
	EventLogDir    string
	MaxConcurrent  int
	DefaultTimeout time.Duration
	StuckThreshold time.Duration
}

// Supervisor owns the run state machine. All run state lives in the
// store; the only in-memory bookkeeping is live process handles, which
// cannot outlive this process anyway.
type Supervisor struct {
	store      *store.Store
	workspaces *workspace.Manager
	executor   *agent.Executor
	opts       Options
	logger     *slog.Logger

	// sem bounds the number of simultaneously running runs; submissions
	// beyond the bound queue here instead of spawning unbounded processes
	sem chan struct{}

	mu      sync.Mutex
	active  map[string]*activeRun   // keyed by run_id
	wsLocks map[string]*sync.Mutex  // keyed by workspace path
}

type activeRun struct {
	handle    *agent.Handle
	cancelled atomic.Bool
}

// New creates a supervisor
func New(st *store.Store, ws *workspace.Manager, ex *agent.Executor, opts Options, logger *slog.Logger) *Supervisor {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Supervisor{
		store:      st,
		workspaces: ws,
		executor:   ex,
		opts:       opts,
		logger:     logger,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		active:     make(map[string]*activeRun),
		wsLocks:    make(map[string]*sync.Mutex),
	}
}

// SubmitOptions carries one run request
type SubmitOptions struct {
	WorkflowName    string
	Prompt          string
	Persistent      *bool         // overrides the workflow definition when set
	Timeout         time.Duration // 0 means workflow/default timeout
	ResumeSessionID string
	OnEvent         func(stream.Event) // optional live event callback
}

// Ticket identifies a submitted run. Done closes once the run has reached
// a terminal state and its workspace policy has been applied.
type Ticket struct {
	RunID string
	Done  <-chan struct{}
}

// Submit executes the synchronous half of a run (record creation,
// workspace acquisition, config materialization and process start) and
// drains the rest in the background. It blocks while the concurrency
// bound is saturated. Only workspace-creation and process-spawn failures
// are returned here; everything later lands in the run record.
func (s *Supervisor) Submit(opts SubmitOptions) (*Ticket, error) {
	def, err := workflow.Load(s.opts.WorkflowDir, opts.WorkflowName)
	if err != nil {
		return nil, err
	}
	if opts.Persistent != nil {
		def.Persistent = *opts.Persistent
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = def.Timeout(s.opts.DefaultTimeout)
	}

	r := run.New(def.Name, def.Persistent)
	if err := s.store.CreateRun(r); err != nil {
		return nil, err
	}

	s.logger.Info("run submitted", "run_id", r.RunID, "workflow", def.Name)

	// Queue for a slot before touching the workspace pool
	s.sem <- struct{}{}

	// The run may have been cancelled while queued; a terminal run must
	// never spawn a process
	cur, err := s.store.GetRun(r.RunID)
	if err != nil {
		<-s.sem
		return nil, err
	}
	if cur.Status.IsTerminal() {
		<-s.sem
		s.logger.Info("run reached terminal state while queued, skipping start", "run_id", r.RunID, "status", cur.Status)
		done := make(chan struct{})
		close(done)
		return &Ticket{RunID: r.RunID, Done: done}, nil
	}

	ws, wsLock, err := s.prepare(r, def, opts)
	if err != nil {
		<-s.sem
		s.failPending(r.RunID, err)
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer func() { <-s.sem }()
		defer close(done)
		s.drain(r.RunID, ws, wsLock, def, timeout, opts.OnEvent)
	}()

	return &Ticket{RunID: r.RunID, Done: done}, nil
}

// prepare runs steps 2–4 of the state machine: workspace, config, start.
// On success the run is in running state with workspace_path, session
// resume flags and pid all persisted, and the workspace lock is held.
func (s *Supervisor) prepare(r *run.Run, def *workflow.Definition, opts SubmitOptions) (*run.Workspace, *sync.Mutex, error) {
	ws, err := s.workspaces.Acquire(r.RunID, def)
	if err != nil {
		return nil, nil, err
	}

	// The single most important write in the system: the workspace path
	// goes into the run record before anything else happens, so cleanup
	// and recovery can always find it by run_id
	if err := s.store.UpdateRun(r.RunID, store.RunUpdate{WorkspacePath: &ws.Path}); err != nil {
		s.releaseWorkspace(r.RunID, ws, ws.Persistent)
		return nil, nil, err
	}

	// Two process launches must never share a workspace; the lock is
	// held until the run's workspace policy has been applied
	wsLock := s.lockFor(ws.Path)
	wsLock.Lock()

	if err := workflow.Materialize(def, ws.Path); err != nil {
		wsLock.Unlock()
		s.releaseWorkspace(r.RunID, ws, ws.Persistent)
		return nil, nil, fmt.Errorf("%w: %v", workspace.ErrCreation, err)
	}

	handle, err := s.executor.Start(agent.StartOptions{
		WorkspacePath:   ws.Path,
		Prompt:          opts.Prompt,
		ResumeSessionID: opts.ResumeSessionID,
		MaxTurns:        def.MaxTurns,
		Model:           def.Model,
	})
	if err != nil {
		wsLock.Unlock()
		s.releaseWorkspace(r.RunID, ws, ws.Persistent)
		return nil, nil, err
	}

	running := run.StatusRunning
	pid := handle.PID()
	if err := s.store.UpdateRun(r.RunID, store.RunUpdate{Status: &running, PID: &pid}); err != nil {
		handle.Cancel()
		wsLock.Unlock()
		s.releaseWorkspace(r.RunID, ws, ws.Persistent)
		return nil, nil, err
	}

	s.mu.Lock()
	s.active[r.RunID] = &activeRun{handle: handle}
	s.mu.Unlock()

	return ws, wsLock, nil
}

// drain consumes the event stream, waits for exit, persists the terminal
// state and applies the workspace cleanup policy
func (s *Supervisor) drain(runID string, ws *run.Workspace, wsLock *sync.Mutex, def *workflow.Definition, timeout time.Duration, onEvent func(stream.Event)) {
	s.mu.Lock()
	ar := s.active[runID]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
		wsLock.Unlock()
	}()

	// The deadline must bite even while the process holds stdout open, so
	// it runs concurrently with the event loop below; a hung assistant
	// would otherwise never be timed out
	deadline := time.Now().Add(timeout)
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		ar.handle.Cancel()
	})
	defer timer.Stop()

	log, err := eventlog.Open(s.opts.EventLogDir, runID)
	if err != nil {
		s.logger.Warn("failed to open event log", "run_id", runID, "error", err)
		log = nil
	} else {
		defer log.Close()
	}

	sessionSeen := false
	for evt := range ar.handle.Events() {
		if !sessionSeen && evt.SessionID != "" {
			sessionSeen = true
			sid := evt.SessionID
			if err := s.store.UpdateRun(runID, store.RunUpdate{SessionID: &sid}); err != nil {
				s.logger.Warn("failed to record session id", "run_id", runID, "error", err)
			}
		}
		if log != nil {
			if err := log.Write(evt); err != nil {
				s.logger.Warn("failed to append event log", "run_id", runID, "error", err)
			}
		}
		if onEvent != nil {
			onEvent(evt)
		}
	}

	res := ar.handle.Wait(time.Until(deadline))
	if timedOut.Load() {
		res.TimedOut = true
	}

	status := run.StatusCompleted
	errText := ""
	switch {
	case ar.cancelled.Load():
		status = run.StatusCancelled
		errText = "cancelled by caller"
	case res.TimedOut:
		status = run.StatusTimedOut
		errText = fmt.Sprintf("timed out after %s", timeout)
	case res.ExitCode != 0:
		status = run.StatusFailed
		errText = fmt.Sprintf("assistant exited with code %d", res.ExitCode)
	}

	// Terminal status, result and exit code land in one atomic merge
	now := time.Now().UTC()
	upd := store.RunUpdate{
		Status:      &status,
		Result:      &res.Result,
		ExitCode:    &res.ExitCode,
		CompletedAt: &now,
	}
	if errText != "" {
		upd.Error = &errText
	}
	if err := s.store.UpdateRun(runID, upd); err != nil {
		s.logger.Error("failed to persist terminal state", "run_id", runID, "error", err)
	}

	s.logger.Info("run finished", "run_id", runID, "status", status, "exit_code", res.ExitCode, "elapsed", res.Elapsed)

	s.releaseWorkspace(runID, ws, def.Persistent)
}

// releaseWorkspace applies the cleanup policy: commit-and-release for
// persistent workspaces, destroy for ephemeral ones. Failures here are
// logged, never allowed to disturb the run's terminal status.
func (s *Supervisor) releaseWorkspace(runID string, ws *run.Workspace, persistent bool) {
	if persistent {
		if _, err := s.workspaces.Release(ws, runID, true); err != nil {
			s.logger.Warn("failed to release workspace", "run_id", runID, "path", ws.Path, "error", err)
		}
		return
	}
	if err := s.workspaces.Destroy(ws); err != nil {
		s.logger.Warn("failed to destroy workspace", "run_id", runID, "path", ws.Path, "error", err)
	}

	// Ephemeral paths are named by run id and never recur; their launch
	// locks would otherwise accumulate forever in a long-lived process
	s.mu.Lock()
	delete(s.wsLocks, ws.Path)
	s.mu.Unlock()
}

// failPending records a pre-start failure on the run record. The run may
// have been cancelled in the meantime; that terminal state stands.
func (s *Supervisor) failPending(runID string, cause error) {
	failed := run.StatusFailed
	errText := cause.Error()
	now := time.Now().UTC()
	if err := s.store.UpdateRun(runID, store.RunUpdate{
		Status:      &failed,
		Error:       &errText,
		CompletedAt: &now,
	}); err != nil && !errors.Is(err, store.ErrTerminal) {
		s.logger.Error("failed to record run failure", "run_id", runID, "error", err)
	}
}

// Status returns the run record for status-polling callers
func (s *Supervisor) Status(runID string) (*run.Run, error) {
	return s.store.GetRun(runID)
}

// Cancel requests termination of a run. Returns true when a cancellation
// was delivered, false when the run is already terminal. Safe to call for
// runs started by a previous, crashed supervisor process.
func (s *Supervisor) Cancel(runID string) (bool, error) {
	r, err := s.store.GetRun(runID)
	if err != nil {
		return false, err
	}
	if r.Status.IsTerminal() {
		return false, nil
	}

	s.mu.Lock()
	ar := s.active[runID]
	s.mu.Unlock()

	if ar != nil {
		ar.cancelled.Store(true)
		ar.handle.Cancel()
		return true, nil
	}

	// Not ours: the run belongs to a dead or foreign supervisor. Kill by
	// recorded pid if anything is left, then correct the record directly.
	if agent.Alive(r.PID) {
		agent.Kill(r.PID)
	}

	cancelled := run.StatusCancelled
	errText := "cancelled by caller"
	now := time.Now().UTC()
	if err := s.store.UpdateRun(runID, store.RunUpdate{
		Status:      &cancelled,
		Error:       &errText,
		CompletedAt: &now,
	}); err != nil {
		return false, err
	}
	s.recoverWorkspace(r)
	return true, nil
}

// Shutdown waits for all in-flight runs to finish draining
func (s *Supervisor) Shutdown() {
	for i := 0; i < cap(s.sem); i++ {
		s.sem <- struct{}{}
	}
	for i := 0; i < cap(s.sem); i++ {
		<-s.sem
	}
}

func (s *Supervisor) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.wsLocks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.wsLocks[path] = lock
	}
	return lock
}
