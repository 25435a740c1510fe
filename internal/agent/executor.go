// Package agent launches and supervises the external coding assistant as a
// child process, exposing its decoded event stream and final result.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mpurcell/drover/internal/stream"
)

// ErrSpawn wraps process start failures (executable missing, permission
// denied). These are the only executor failures reported as errors; a
// non-zero exit is data, not an error.
var ErrSpawn = errors.New("failed to spawn assistant process")

// Executor starts assistant processes with a fixed binary and base args
type Executor struct {
	binary    string
	baseArgs  []string
	killGrace time.Duration
	logger    *slog.Logger
}

// NewExecutor creates an executor for the given assistant binary
func NewExecutor(binary string, baseArgs []string, killGrace time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		binary:    binary,
		baseArgs:  baseArgs,
		killGrace: killGrace,
		logger:    logger,
	}
}

// StartOptions carries the per-run invocation parameters
type StartOptions struct {
	WorkspacePath   string
	Prompt          string
	ResumeSessionID string
	MaxTurns        int
	Model           string
}

// ExecutionResult is what Wait reports regardless of how the process ended
type ExecutionResult struct {
	ExitCode int
	Result   string
	Elapsed  time.Duration
	TimedOut bool
}

// Handle supervises one running assistant process. Its event channel is a
// lazy, one-pass, forward-only view of the process output; once drained, a
// new Start is required to retry.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	events    chan stream.Event
	done      chan struct{}
	startedAt time.Time
	killGrace time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	result   string
	exitCode int

	terminateOnce sync.Once
}

// Start spawns the assistant with the workspace as its working directory
// and the prompt on the command line. If resumeSessionID is set, the
// process resumes that session instead of starting fresh.
func (e *Executor) Start(opts StartOptions) (*Handle, error) {
	args := append([]string{}, e.baseArgs...)
	args = append(args,
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	)
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cmd := exec.Command(e.binary, args...)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = os.Environ()
	// Own process group so termination reaches the assistant's children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		events:    make(chan stream.Event, 100),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		killGrace: e.killGrace,
		logger:    e.logger,
	}

	e.logger.Info("assistant started", "pid", h.pid, "workspace", opts.WorkspacePath)

	go h.readStdout(stdout)
	go h.readStderr(stderr)
	go h.waitForExit()

	return h, nil
}

// PID returns the process id, recorded on the run for the recovery sweep
func (h *Handle) PID() int {
	return h.pid
}

// Events returns the decoded event stream. The channel closes when the
// process closes its output.
func (h *Handle) Events() <-chan stream.Event {
	return h.events
}

// Wait blocks until process exit or timeout. On timeout it runs the
// graceful-then-forceful termination sequence and still returns a result.
// An already-exited process never reports a timeout, whatever the budget.
func (h *Handle) Wait(timeout time.Duration) ExecutionResult {
	timedOut := false
	select {
	case <-h.done:
	default:
		select {
		case <-h.done:
		case <-time.After(timeout):
			timedOut = true
			h.terminate()
			<-h.done
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return ExecutionResult{
		ExitCode: h.exitCode,
		Result:   h.result,
		Elapsed:  time.Since(h.startedAt),
		TimedOut: timedOut,
	}
}

// Cancel runs the same termination sequence as a timeout. Idempotent on an
// already-exited process.
func (h *Handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}
	h.terminate()
	<-h.done
}

// terminate signals the process group to stop, waits the grace period,
// then force-kills
func (h *Handle) terminate() {
	h.terminateOnce.Do(func() {
		h.logger.Info("terminating assistant", "pid", h.pid)
		syscall.Kill(-h.pid, syscall.SIGTERM)

		select {
		case <-h.done:
			return
		case <-time.After(h.killGrace):
		}

		h.logger.Warn("assistant ignored graceful termination, killing", "pid", h.pid)
		syscall.Kill(-h.pid, syscall.SIGKILL)
	})
}

func (h *Handle) readStdout(stdout io.ReadCloser) {
	defer close(h.events)

	decoder := stream.NewDecoder(stdout, h.logger)
	for {
		evt, err := decoder.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			h.logger.Error("failed to read assistant output", "pid", h.pid, "error", err)
			return
		}

		if evt.Type == stream.TypeResult {
			h.mu.Lock()
			h.result = evt.Result
			h.mu.Unlock()
		}

		h.events <- *evt
	}
}

func (h *Handle) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), stream.MaxLineSize)
	for scanner.Scan() {
		h.logger.Debug("assistant stderr", "pid", h.pid, "line", scanner.Text())
	}
}

func (h *Handle) waitForExit() {
	err := h.cmd.Wait()

	code := 0
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	if err != nil && code == 0 {
		code = 1
	}

	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("assistant exited", "pid", h.pid, "exit_code", code, "error", err)
	} else {
		h.logger.Info("assistant exited cleanly", "pid", h.pid)
	}

	close(h.done)
}

// Alive reports whether a process with the given pid exists. Used by the
// recovery sweep to probe runs whose supervisor crashed.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Kill force-kills the process group of a run not owned by this process
func Kill(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		syscall.Kill(pid, syscall.SIGKILL)
	}
}
