package store

import (
	"sync"
	"testing"
	"time"

	"github.com/mpurcell/drover/internal/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(path, workflow string, persistent, inUse bool) *run.Workspace {
	now := time.Now().UTC()
	return &run.Workspace{
		Path:         path,
		WorkflowName: workflow,
		Branch:       "drover/" + workflow,
		Persistent:   persistent,
		InUse:        inUse,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
}

func TestSaveAndGetWorkspace(t *testing.T) {
	st := openTestStore(t)

	ws := newWorkspace("/tmp/ws/a", "fix-bug", true, false)
	require.NoError(t, st.SaveWorkspace(ws))

	got, err := st.GetWorkspace("/tmp/ws/a")
	require.NoError(t, err)
	assert.Equal(t, "fix-bug", got.WorkflowName)
	assert.True(t, got.Persistent)
	assert.False(t, got.InUse)
}

func TestGetWorkspaceNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetWorkspace("/tmp/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireIdleWorkspace(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/a", "fix-bug", true, false)))

	ws, err := st.AcquireIdleWorkspace("fix-bug")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ws/a", ws.Path)
	assert.True(t, ws.InUse)

	// Acquired workspace is no longer available
	_, err = st.AcquireIdleWorkspace("fix-bug")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireIdleWorkspaceSkipsBusyAndEphemeral(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/busy", "fix-bug", true, true)))
	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/eph", "fix-bug", false, false)))
	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/other", "review", true, false)))

	_, err := st.AcquireIdleWorkspace("fix-bug")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Two concurrent acquirers must never both win the same workspace.
func TestAcquireIdleWorkspaceMutualExclusion(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/only", "fix-bug", true, false)))

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan string, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ws, err := st.AcquireIdleWorkspace("fix-bug"); err == nil {
				wins <- ws.Path
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestReleaseWorkspace(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/a", "fix-bug", true, true)))
	require.NoError(t, st.ReleaseWorkspace("/tmp/ws/a"))

	got, err := st.GetWorkspace("/tmp/ws/a")
	require.NoError(t, err)
	assert.False(t, got.InUse)

	// Releasing again, or releasing an absent path, is a no-op
	require.NoError(t, st.ReleaseWorkspace("/tmp/ws/a"))
	require.NoError(t, st.ReleaseWorkspace("/tmp/ws/never-existed"))
}

func TestDeleteWorkspaceIdempotent(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.SaveWorkspace(newWorkspace("/tmp/ws/a", "fix-bug", false, false)))
	require.NoError(t, st.DeleteWorkspace("/tmp/ws/a"))
	require.NoError(t, st.DeleteWorkspace("/tmp/ws/a"))

	_, err := st.GetWorkspace("/tmp/ws/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquirePrefersMostRecentlyUsed(t *testing.T) {
	st := openTestStore(t)

	old := newWorkspace("/tmp/ws/old", "fix-bug", true, false)
	old.LastUsedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.SaveWorkspace(old))

	recent := newWorkspace("/tmp/ws/recent", "fix-bug", true, false)
	require.NoError(t, st.SaveWorkspace(recent))

	ws, err := st.AcquireIdleWorkspace("fix-bug")
	require.NoError(t, err)
	assert.Equal(t, recent.Path, ws.Path)
}
