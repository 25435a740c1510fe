package run

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusTimedOut.IsTerminal())
}

func TestStatusTransitions(t *testing.T) {
	// Forward path
	assert.True(t, StatusPending.CanTransitionTo(StatusRunning))
	assert.True(t, StatusRunning.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusRunning.CanTransitionTo(StatusFailed))
	assert.True(t, StatusRunning.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusRunning.CanTransitionTo(StatusTimedOut))

	// A pending run may fail or be cancelled before it starts
	assert.True(t, StatusPending.CanTransitionTo(StatusFailed))
	assert.True(t, StatusPending.CanTransitionTo(StatusCancelled))

	// Terminal states never move
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut} {
		assert.False(t, s.CanTransitionTo(StatusRunning), "terminal %s must not transition", s)
		assert.False(t, s.CanTransitionTo(StatusPending), "terminal %s must not transition", s)
	}

	// No going backwards
	assert.False(t, StatusRunning.CanTransitionTo(StatusPending))
}

func TestNewRunID(t *testing.T) {
	id1 := NewRunID()
	id2 := NewRunID()

	assert.True(t, strings.HasPrefix(id1, "run-"))
	assert.NotEqual(t, id1, id2)
}

func TestNew(t *testing.T) {
	r := New("fix-bug", true)

	require.NotNil(t, r)
	assert.Equal(t, "fix-bug", r.WorkflowName)
	assert.Equal(t, StatusPending, r.Status)
	assert.True(t, r.Persistent)
	assert.NotEmpty(t, r.RunID)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Equal(t, r.CreatedAt, r.UpdatedAt)
	assert.Nil(t, r.CompletedAt)
	assert.Nil(t, r.ExitCode)
}
