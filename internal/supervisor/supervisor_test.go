package supervisor

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mpurcell/drover/internal/agent"
	"github.com/mpurcell/drover/internal/eventlog"
	"github.com/mpurcell/drover/internal/run"
	"github.com/mpurcell/drover/internal/store"
	"github.com/mpurcell/drover/internal/stream"
	"github.com/mpurcell/drover/internal/workspace"
	"github.com/mpurcell/drover/pkg/testharness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sup         *Supervisor
	store       *store.Store
	manager     *workspace.Manager
	workflowDir string
	eventLogDir string
}

func newFixture(t *testing.T, script testharness.AssistantScript, maxConcurrent int) *fixture {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	base := t.TempDir()
	binPath, err := script.Write(base)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(base, "drover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wsRoot := filepath.Join(base, "workspaces")
	require.NoError(t, os.MkdirAll(wsRoot, 0755))
	manager := workspace.NewManager(wsRoot, st, logger)

	executor := agent.NewExecutor(binPath, nil, time.Second, logger)

	workflowDir := filepath.Join(base, "workflows")
	require.NoError(t, os.MkdirAll(workflowDir, 0755))
	eventLogDir := filepath.Join(base, "events")

	sup := New(st, manager, executor, Options{
		WorkflowDir:    workflowDir,
		EventLogDir:    eventLogDir,
		MaxConcurrent:  maxConcurrent,
		DefaultTimeout: 30 * time.Second,
		StuckThreshold: time.Hour,
	}, logger)

	return &fixture{sup: sup, store: st, manager: manager, workflowDir: workflowDir, eventLogDir: eventLogDir}
}

func (f *fixture) writeWorkflow(t *testing.T, name string, persistent bool) {
	t.Helper()
	content := "name: " + name + "\ninstructions: do the task\n"
	if persistent {
		content += "persistent: true\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.workflowDir, name+".yaml"), []byte(content), 0644))
}

func submitAndWait(t *testing.T, f *fixture, opts SubmitOptions) *run.Run {
	t.Helper()
	ticket, err := f.sup.Submit(opts)
	require.NoError(t, err)
	<-ticket.Done

	r, err := f.sup.Status(ticket.RunID)
	require.NoError(t, err)
	return r
}

func TestRunCompletesAndDestroysEphemeralWorkspace(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		SessionID: "sess-1",
		Messages:  []string{"working"},
		Result:    "task finished",
	}, 2)
	f.writeWorkflow(t, "fix-bug", false)

	r := submitAndWait(t, f, SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})

	assert.Equal(t, run.StatusCompleted, r.Status)
	assert.Equal(t, "task finished", r.Result)
	assert.Equal(t, "sess-1", r.SessionID)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 0, *r.ExitCode)
	require.NotNil(t, r.CompletedAt)
	assert.NotEmpty(t, r.WorkspacePath)

	// Ephemeral workspace gone, directory and record both
	_, statErr := os.Stat(r.WorkspacePath)
	assert.True(t, os.IsNotExist(statErr))
	_, err := f.store.GetWorkspace(r.WorkspacePath)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The launch lock for a destroyed ephemeral path is pruned too
	f.sup.mu.Lock()
	_, lockKept := f.sup.wsLocks[r.WorkspacePath]
	f.sup.mu.Unlock()
	assert.False(t, lockKept)
}

func TestRunWritesEventLog(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"a", "b"},
		Result:   "ok",
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	r := submitAndWait(t, f, SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})

	data, err := os.ReadFile(eventlog.Path(f.eventLogDir, r.RunID))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result"`)
}

func TestPersistentWorkspaceCommittedAndReleased(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"editing"},
		Result:   "done",
	}, 1)
	f.writeWorkflow(t, "refactor", true)

	r := submitAndWait(t, f, SubmitOptions{WorkflowName: "refactor", Prompt: "go"})
	require.Equal(t, run.StatusCompleted, r.Status)

	// Directory survives, record released
	_, statErr := os.Stat(r.WorkspacePath)
	assert.NoError(t, statErr)
	ws, err := f.store.GetWorkspace(r.WorkspacePath)
	require.NoError(t, err)
	assert.False(t, ws.InUse)

	// The materialized config counts as dirt; release must have committed
	out, err := exec.Command("git", "-C", r.WorkspacePath, "log", "--oneline").Output()
	require.NoError(t, err)
	assert.Contains(t, string(out), r.RunID)
}

func TestPersistentWorkspaceReused(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{Result: "ok"}, 1)
	f.writeWorkflow(t, "refactor", true)

	first := submitAndWait(t, f, SubmitOptions{WorkflowName: "refactor", Prompt: "one"})
	second := submitAndWait(t, f, SubmitOptions{WorkflowName: "refactor", Prompt: "two"})

	assert.Equal(t, first.WorkspacePath, second.WorkspacePath)
}

func TestPersistentOverride(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{Result: "ok"}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	persistent := true
	r := submitAndWait(t, f, SubmitOptions{
		WorkflowName: "fix-bug",
		Prompt:       "go",
		Persistent:   &persistent,
	})

	require.Equal(t, run.StatusCompleted, r.Status)
	_, statErr := os.Stat(r.WorkspacePath)
	assert.NoError(t, statErr)
}

func TestFailedRunKeepsWorkspacePathAndExitCode(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"trying"},
		Result:   "gave up",
		IsError:  true,
		ExitCode: 2,
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	r := submitAndWait(t, f, SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})

	assert.Equal(t, run.StatusFailed, r.Status)
	require.NotNil(t, r.ExitCode)
	assert.Equal(t, 2, *r.ExitCode)
	assert.NotEmpty(t, r.WorkspacePath)
	assert.NotEmpty(t, r.Error)
}

// The deadline must bite while the process is still holding stdout open
// mid-stream, which is how a hung assistant actually looks. The script
// sleeps far past the timeout without closing its output.
func TestRunTimesOut(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"stalling"},
		SleepS:   60,
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	start := time.Now()
	r := submitAndWait(t, f, SubmitOptions{
		WorkflowName: "fix-bug",
		Prompt:       "go",
		Timeout:      time.Second,
	})

	assert.Equal(t, run.StatusTimedOut, r.Status)
	assert.Contains(t, r.Error, "timed out")
	// Timeout 1s plus the 1s kill grace; anything near the script's 60s
	// sleep means the deadline never fired
	assert.Less(t, time.Since(start), 10*time.Second)
	// Workspace policy still applied
	_, statErr := os.Stat(r.WorkspacePath)
	assert.True(t, os.IsNotExist(statErr))
}

// A stubborn process that also ignores SIGTERM must still be gone within
// the grace period once the deadline fires.
func TestRunTimesOutAgainstSigtermIgnoringProcess(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages:      []string{"stalling"},
		SleepS:        60,
		IgnoreSIGTERM: true,
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	start := time.Now()
	r := submitAndWait(t, f, SubmitOptions{
		WorkflowName: "fix-bug",
		Prompt:       "go",
		Timeout:      time.Second,
	})

	assert.Equal(t, run.StatusTimedOut, r.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, agent.Alive(r.PID))
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{Result: "ok"}, 1)

	_, err := f.sup.Submit(SubmitOptions{WorkflowName: "ghost", Prompt: "go"})
	assert.Error(t, err)
}

func TestSpawnFailureSurfacesSynchronously(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{Result: "ok"}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	// Replace the executor with one pointing at a missing binary
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sup.executor = agent.NewExecutor("/nonexistent/assistant", nil, time.Second, logger)

	_, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrSpawn)

	// The run record carries the failure
	runs, err := f.store.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.StatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestOnEventCallback(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"hello"},
		Result:   "ok",
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	var mu sync.Mutex
	var types []stream.Type
	r := submitAndWait(t, f, SubmitOptions{
		WorkflowName: "fix-bug",
		Prompt:       "go",
		OnEvent: func(evt stream.Event) {
			mu.Lock()
			types = append(types, evt.Type)
			mu.Unlock()
		},
	})
	require.Equal(t, run.StatusCompleted, r.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, stream.TypeInit)
	assert.Contains(t, types, stream.TypeAssistantMessage)
	assert.Contains(t, types, stream.TypeResult)
}

func TestCancelActiveRun(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"slow"},
		SleepS:   60,
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	ticket, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})
	require.NoError(t, err)

	// Give the process a beat to start streaming
	time.Sleep(300 * time.Millisecond)

	delivered, err := f.sup.Cancel(ticket.RunID)
	require.NoError(t, err)
	assert.True(t, delivered)

	<-ticket.Done

	r, err := f.sup.Status(ticket.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, r.Status)

	// Workspace released despite the abnormal end
	_, statErr := os.Stat(r.WorkspacePath)
	assert.True(t, os.IsNotExist(statErr))
}

// Cancelling a run that is still queued behind the concurrency bound
// must prevent it from ever spawning a process or touching a workspace.
func TestCancelWhileQueuedNeverStarts(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"slow"},
		SleepS:   2,
		Result:   "ok",
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	// Occupies the only slot for ~2s
	first, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "one"})
	require.NoError(t, err)

	tickets := make(chan *Ticket, 1)
	go func() {
		ticket, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "two"})
		if err != nil {
			t.Errorf("queued submit failed: %v", err)
			return
		}
		tickets <- ticket
	}()

	// Find the queued run while it is still pending
	var queuedID string
	require.Eventually(t, func() bool {
		runs, err := f.store.ListRuns(10)
		if err != nil {
			return false
		}
		for _, r := range runs {
			if r.Status == run.StatusPending {
				queuedID = r.RunID
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	delivered, err := f.sup.Cancel(queuedID)
	require.NoError(t, err)
	assert.True(t, delivered)

	<-first.Done
	second := <-tickets
	assert.Equal(t, queuedID, second.RunID)
	<-second.Done

	r, err := f.sup.Status(queuedID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, r.Status)
	// Never prepared: no workspace, no process
	assert.Empty(t, r.WorkspacePath)
	assert.Zero(t, r.PID)
}

func TestCancelTerminalRunIsNoop(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{Result: "ok"}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	r := submitAndWait(t, f, SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})

	delivered, err := f.sup.Cancel(r.RunID)
	require.NoError(t, err)
	assert.False(t, delivered)

	got, err := f.sup.Status(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, got.Status)
}

func TestConcurrentRunsNeverShareAWorkspace(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"work"},
		Result:   "ok",
	}, 4)
	f.writeWorkflow(t, "fix-bug", false)

	const n = 6
	var wg sync.WaitGroup
	paths := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "go"})
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			<-ticket.Done
			r, err := f.sup.Status(ticket.RunID)
			if err != nil {
				t.Errorf("status failed: %v", err)
				return
			}
			paths <- r.WorkspacePath
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for p := range paths {
		require.NotEmpty(t, p)
		assert.False(t, seen[p], "workspace %s used by two runs", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
}

func TestConcurrentPersistentRunsGetDistinctWorkspaces(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		Messages: []string{"work"},
		SleepS:   1,
		Result:   "ok",
	}, 2)
	f.writeWorkflow(t, "refactor", true)

	var wg sync.WaitGroup
	paths := make(chan string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := f.sup.Submit(SubmitOptions{WorkflowName: "refactor", Prompt: "go"})
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			<-ticket.Done
			r, err := f.sup.Status(ticket.RunID)
			if err != nil {
				t.Errorf("status failed: %v", err)
				return
			}
			paths <- r.WorkspacePath
		}()
	}
	wg.Wait()
	close(paths)

	// Both runs overlap (1s script, 2 slots) so neither may reuse the
	// other's still-in-use workspace
	first := <-paths
	second := <-paths
	assert.NotEqual(t, first, second)
}

func TestConcurrencyBoundQueuesSubmissions(t *testing.T) {
	f := newFixture(t, testharness.AssistantScript{
		SleepS: 1,
		Result: "ok",
	}, 1)
	f.writeWorkflow(t, "fix-bug", false)

	first, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "one"})
	require.NoError(t, err)

	// Second submit must block until the first run releases its slot
	start := time.Now()
	second, err := f.sup.Submit(SubmitOptions{WorkflowName: "fix-bug", Prompt: "two"})
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), 500*time.Millisecond)

	<-first.Done
	<-second.Done
}
