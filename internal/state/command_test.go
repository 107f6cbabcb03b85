package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueueLifecycle(t *testing.T) {
	q := NewCommandQueue("control")
	assert.Equal(t, "control", q.Name())

	sub, err := q.Submit(KindPlantStart, map[string]any{"plant": "lib"}, "http")
	require.NoError(t, err)
	assert.Equal(t, CommandQueued, sub.State)
	assert.NotEmpty(t, sub.ID)
	assert.False(t, sub.CreatedAt.IsZero())

	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, sub.ID, got.ID)

	running, ok := q.MarkRunning(sub.ID)
	require.True(t, ok)
	assert.Equal(t, CommandRunning, running.State)
	require.NotNil(t, running.StartedAt)

	// A running command cannot be marked running again.
	_, ok = q.MarkRunning(sub.ID)
	assert.False(t, ok)

	done, ok := q.Finish(sub.ID, CommandSucceeded, "started", map[string]any{"transport": "local"})
	require.True(t, ok)
	assert.Equal(t, CommandSucceeded, done.State)
	assert.Equal(t, "started", done.Message)
	require.NotNil(t, done.FinishedAt)

	status, ok := q.Status(sub.ID)
	require.True(t, ok)
	assert.Equal(t, CommandSucceeded, status.State)

	last, ok := q.LastFinished()
	require.True(t, ok)
	assert.Equal(t, sub.ID, last.ID)
}

func TestCommandQueueFinishIsTerminal(t *testing.T) {
	q := NewCommandQueue("control")
	sub, err := q.Submit(KindPlantStop, nil, "http")
	require.NoError(t, err)

	_, ok := q.Finish(sub.ID, CommandFailed, "disable_failed", nil)
	require.True(t, ok)

	// Terminal status is immutable.
	_, ok = q.Finish(sub.ID, CommandSucceeded, "stopped", nil)
	assert.False(t, ok)
	status, _ := q.Status(sub.ID)
	assert.Equal(t, CommandFailed, status.State)
	assert.Equal(t, "disable_failed", status.Message)

	// Finish only accepts terminal target states.
	other, err := q.Submit(KindPlantStop, nil, "http")
	require.NoError(t, err)
	_, ok = q.Finish(other.ID, CommandRunning, "", nil)
	assert.False(t, ok)
}

func TestCommandQueueFullRejects(t *testing.T) {
	q := NewCommandQueue("control")
	for i := 0; i < QueueCapacity; i++ {
		_, err := q.Submit(KindPlantStart, nil, "test")
		require.NoError(t, err)
	}
	assert.Equal(t, QueueCapacity, q.Depth())

	rejected, err := q.Submit(KindPlantStart, nil, "test")
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, CommandRejected, rejected.State)
	assert.Equal(t, "queue_full", rejected.Message)
	require.NotNil(t, rejected.FinishedAt)
	assert.Equal(t, QueueCapacity, q.Depth())

	// The rejection is visible in history and as the last finished command.
	status, ok := q.Status(rejected.ID)
	require.True(t, ok)
	assert.Equal(t, CommandRejected, status.State)
	last, ok := q.LastFinished()
	require.True(t, ok)
	assert.Equal(t, rejected.ID, last.ID)
}

func TestCommandIDsUniqueAcrossQueues(t *testing.T) {
	control := NewCommandQueue("control")
	settings := NewCommandQueue("settings")

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		a, err := control.Submit(KindPlantStart, nil, "test")
		require.NoError(t, err)
		b, err := settings.Submit(KindPostingEnable, nil, "test")
		require.NoError(t, err)
		for _, id := range []string{a.ID, b.ID} {
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	}
}

func TestCommandQueueHistoryBounded(t *testing.T) {
	q := NewCommandQueue("control")
	var first string
	for i := 0; i < HistoryLimit+10; i++ {
		sub, err := q.Submit(KindRecordStart, nil, "test")
		require.NoError(t, err)
		if i == 0 {
			first = sub.ID
		}
		_, ok := q.Dequeue()
		require.True(t, ok)
		_, ok = q.Finish(sub.ID, CommandSucceeded, "", nil)
		require.True(t, ok)
	}

	_, ok := q.Status(first)
	assert.False(t, ok, "oldest entry should have been evicted")
	recent := q.Recent(0)
	assert.Len(t, recent, HistoryLimit)
	// Newest first.
	assert.True(t, recent[0].ID > recent[1].ID)
}

func TestCommandQueueCounts(t *testing.T) {
	q := NewCommandQueue("control")

	a, err := q.Submit(KindPlantStart, nil, "test")
	require.NoError(t, err)
	_, err = q.Submit(KindPlantStop, nil, "test")
	require.NoError(t, err)
	b, err := q.Submit(KindPlantStop, nil, "test")
	require.NoError(t, err)

	_, ok := q.Dequeue()
	require.True(t, ok)
	_, ok = q.MarkRunning(a.ID)
	require.True(t, ok)

	queued, running, failed := q.Counts()
	assert.Equal(t, 2, queued)
	assert.Equal(t, 1, running)
	assert.Zero(t, failed)

	_, ok = q.Finish(b.ID, CommandFailed, "boom", nil)
	require.True(t, ok)
	_, _, failed = q.Counts()
	assert.Equal(t, 1, failed)
}

func TestCommandClone(t *testing.T) {
	q := NewCommandQueue("control")
	payload := map[string]any{"plant": "lib"}
	sub, err := q.Submit(KindPlantStart, payload, "test")
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the queue's record.
	sub.Payload["plant"] = "vrfb"
	status, _ := q.Status(sub.ID)
	plant, ok := status.PayloadString("plant")
	require.True(t, ok)
	assert.Equal(t, "lib", plant)

	_, ok = status.PayloadString("missing")
	assert.False(t, ok)
}

func TestCommandStateTerminal(t *testing.T) {
	for state, want := range map[CommandState]bool{
		CommandQueued:    false,
		CommandRunning:   false,
		CommandSucceeded: true,
		CommandFailed:    true,
		CommandRejected:  true,
	} {
		assert.Equal(t, want, state.Terminal(), string(state))
	}
}
