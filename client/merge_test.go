package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

func testMerger() *merger {
	return newMerger(zap.NewNop())
}

func baseTask() schema.Task {
	return schema.Task{
		ID:        "t-1",
		Status:    schema.TaskStatusRunning,
		CreatedAt: time.Date(2025, 4, 17, 10, 0, 0, 0, time.UTC),
		Turns: []schema.Turn{
			{ID: "turn-1", Prompt: "first", CreatedAt: time.Date(2025, 4, 17, 10, 0, 1, 0, time.UTC)},
		},
	}
}

func TestMergeIdempotent(t *testing.T) {
	m := testMerger()
	patch := schema.Task{
		Status: schema.TaskStatusCompleted,
		Result: &schema.Result{Text: "ok"},
		Turns:  []schema.Turn{{ID: "turn-1", Result: &schema.Result{Text: "ok"}}},
	}

	once, changed := m.merge(baseTask(), patch, sourcePoll)
	require.True(t, changed)
	twice, changedAgain := m.merge(once, patch, sourcePoll)
	assert.False(t, changedAgain, "second application of the same patch must be a no-op")
	assert.Equal(t, once, twice)
}

func TestMergeNoTerminalRegression(t *testing.T) {
	m := testMerger()
	task, _ := m.merge(baseTask(), schema.Task{Status: schema.TaskStatusFailed, Error: "boom"}, sourceStream)
	require.Equal(t, schema.TaskStatusFailed, task.Status)

	// A stale poll still reporting running must not regress the model.
	next, changed := m.merge(task, schema.Task{Status: schema.TaskStatusRunning}, sourcePoll)
	assert.False(t, changed)
	assert.Equal(t, schema.TaskStatusFailed, next.Status)
	assert.Equal(t, "boom", next.Error)

	// Neither may a late stream event.
	next, changed = m.merge(task, schema.Task{Status: schema.TaskStatusQueued}, sourceStream)
	assert.False(t, changed)
	assert.Equal(t, schema.TaskStatusFailed, next.Status)
}

func TestMergeTerminalDisagreementPollWins(t *testing.T) {
	m := testMerger()
	task, _ := m.merge(baseTask(), schema.Task{Status: schema.TaskStatusCancelled}, sourceStream)
	require.Equal(t, schema.TaskStatusCancelled, task.Status)

	// The poll snapshot is authoritative when it disputes a terminal status
	// the stream announced.
	next, changed := m.merge(task, schema.Task{Status: schema.TaskStatusFailed, Error: "oom"}, sourcePoll)
	assert.True(t, changed)
	assert.Equal(t, schema.TaskStatusFailed, next.Status)

	// The stream never overrides a terminal status.
	next, changed = m.merge(task, schema.Task{Status: schema.TaskStatusFailed}, sourceStream)
	assert.False(t, changed)
	assert.Equal(t, schema.TaskStatusCancelled, next.Status)
}

func TestMergePollConfirmedTerminalIsImmutable(t *testing.T) {
	m := testMerger()
	task, _ := m.merge(baseTask(), schema.Task{Status: schema.TaskStatusCompleted}, sourcePoll)
	require.Equal(t, schema.TaskStatusCompleted, task.Status)

	// Once a poll set the terminal status, a later disagreeing poll cannot
	// flip it; the tie-break exists only to correct the stream.
	next, changed := m.merge(task, schema.Task{Status: schema.TaskStatusFailed, Error: "late"}, sourcePoll)
	assert.False(t, changed)
	assert.Equal(t, schema.TaskStatusCompleted, next.Status)
}

func TestMergePollCorrectionAppliesOnlyOnce(t *testing.T) {
	m := testMerger()
	task, _ := m.merge(baseTask(), schema.Task{Status: schema.TaskStatusCancelled}, sourceStream)

	next, changed := m.merge(task, schema.Task{Status: schema.TaskStatusFailed}, sourcePoll)
	require.True(t, changed)
	require.Equal(t, schema.TaskStatusFailed, next.Status)

	// The corrected status is now poll-confirmed and stays put.
	next, changed = m.merge(next, schema.Task{Status: schema.TaskStatusCompleted}, sourcePoll)
	assert.False(t, changed)
	assert.Equal(t, schema.TaskStatusFailed, next.Status)
}

func TestMergeIllegalTransitionDropped(t *testing.T) {
	m := testMerger()
	// running -> queued is backwards and must be dropped silently.
	next, changed := m.merge(baseTask(), schema.Task{Status: schema.TaskStatusQueued}, sourcePoll)
	assert.False(t, changed)
	assert.Equal(t, schema.TaskStatusRunning, next.Status)
}

func TestMergeTurnsByID(t *testing.T) {
	m := testMerger()
	patch := schema.Task{Turns: []schema.Turn{
		{ID: "turn-1", Result: &schema.Result{Text: "answer"}},
		{ID: "turn-2", Prompt: "second", CreatedAt: time.Date(2025, 4, 17, 10, 1, 0, 0, time.UTC)},
	}}

	next, changed := m.merge(baseTask(), patch, sourcePoll)
	require.True(t, changed)
	require.Len(t, next.Turns, 2)
	assert.Equal(t, "answer", next.Turns[0].Result.Text)
	assert.Equal(t, "first", next.Turns[0].Prompt, "in-place update keeps existing fields")
	assert.Equal(t, "second", next.Turns[1].Prompt)

	// Duplicate result arrival for a resolved turn is a no-op.
	again, changed := m.merge(next, schema.Task{Turns: []schema.Turn{
		{ID: "turn-1", Result: &schema.Result{Text: "different"}},
	}}, sourceStream)
	assert.False(t, changed)
	assert.Equal(t, "answer", again.Turns[0].Result.Text)
}

func TestMergeAdoptsLocalPlaceholder(t *testing.T) {
	m := testMerger()
	task := baseTask()
	task.Turns[0].Result = &schema.Result{Text: "done"}
	task.Turns = append(task.Turns, schema.Turn{
		ID:        localTurnPrefix + "abc",
		Prompt:    "next step",
		CreatedAt: time.Date(2025, 4, 17, 10, 2, 0, 0, time.UTC),
	})

	patch := schema.Task{Turns: []schema.Turn{
		{ID: "turn-1", Result: &schema.Result{Text: "done"}},
		{ID: "turn-2", Prompt: "next step"},
	}}
	next, changed := m.merge(task, patch, sourcePoll)
	require.True(t, changed)
	require.Len(t, next.Turns, 2, "server turn must adopt the placeholder, not duplicate it")
	assert.Equal(t, "turn-2", next.Turns[1].ID)
	assert.Equal(t, "next step", next.Turns[1].Prompt)
}

func TestMergeStalePollLeavesPlaceholderUnresolved(t *testing.T) {
	m := testMerger()
	// An append is in flight: the model holds a resolved first turn, an
	// unresolved placeholder, and a cleared task result.
	task := baseTask()
	task.Turns[0].Result = &schema.Result{Text: "alpha"}
	task.Turns = append(task.Turns, schema.Turn{
		ID:     localTurnPrefix + "abc",
		Prompt: "beta step",
	})

	// A snapshot fetched before the append reached the server still carries
	// the previous turn's result at task level.
	stale := schema.Task{
		Status: schema.TaskStatusRunning,
		Turns:  []schema.Turn{{ID: "turn-1", Result: &schema.Result{Text: "alpha"}}},
		Result: &schema.Result{Text: "alpha"},
	}
	next, _ := m.merge(task, stale, sourcePoll)
	require.Len(t, next.Turns, 2)
	assert.Nil(t, next.Turns[1].Result, "stale task-level result must not resolve the pending turn")
	assert.Nil(t, next.Result, "task result mirrors the unresolved last turn")

	// The snapshot confirming the append then adopts the placeholder instead
	// of appending a duplicate.
	confirm := schema.Task{Turns: []schema.Turn{
		{ID: "turn-1", Result: &schema.Result{Text: "alpha"}},
		{ID: "turn-2", Prompt: "beta step"},
	}}
	next, changed := m.merge(next, confirm, sourcePoll)
	require.True(t, changed)
	require.Len(t, next.Turns, 2, "the confirmed turn must not duplicate the placeholder")
	assert.Equal(t, "turn-2", next.Turns[1].ID)
}

func TestMergeEarlyStreamTurnCreatesPlaceholder(t *testing.T) {
	m := testMerger()
	// A stream event for a turn the poll has not shown yet creates the turn;
	// the next poll fills in the rest.
	patch, ok := eventPatch(&schema.Event{
		Type:   schema.EventTurnStarted,
		TurnID: "turn-9",
		Prompt: "future",
	})
	require.True(t, ok)
	next, changed := m.merge(baseTask(), patch, sourceStream)
	require.True(t, changed)
	require.Len(t, next.Turns, 2)
	assert.Equal(t, "turn-9", next.Turns[1].ID)
}

func TestMergeResultMirrorsLastTurn(t *testing.T) {
	m := testMerger()
	// The task-level result follows the last turn's result upward.
	patch := schema.Task{
		Status: schema.TaskStatusCompleted,
		Turns:  []schema.Turn{{ID: "turn-1", Result: &schema.Result{Text: "ok"}}},
	}
	next, _ := m.merge(baseTask(), patch, sourcePoll)
	require.NotNil(t, next.Result)
	assert.Equal(t, "ok", next.Result.Text)

	// A task-level result with no resolved last turn backing it is dropped,
	// never copied down onto a turn still awaiting its answer.
	next, _ = m.merge(baseTask(), schema.Task{Result: &schema.Result{Text: "orphan"}}, sourcePoll)
	assert.Nil(t, next.Turns[0].Result)
	assert.Nil(t, next.Result)
}

func TestMergeTimestampsNeverMoveBackwards(t *testing.T) {
	m := testMerger()
	started := time.Date(2025, 4, 17, 10, 0, 5, 0, time.UTC)
	task, _ := m.merge(baseTask(), schema.Task{StartedAt: &started}, sourcePoll)
	require.NotNil(t, task.StartedAt)

	earlier := started.Add(-time.Minute)
	next, changed := m.merge(task, schema.Task{StartedAt: &earlier}, sourcePoll)
	assert.False(t, changed)
	assert.True(t, next.StartedAt.Equal(started))
}

func TestEventPatchProjection(t *testing.T) {
	t.Run("task.started", func(t *testing.T) {
		patch, ok := eventPatch(&schema.Event{Type: schema.EventTaskStarted, Timestamp: time.Now()})
		require.True(t, ok)
		assert.Equal(t, schema.TaskStatusRunning, patch.Status)
		assert.NotNil(t, patch.StartedAt)
	})
	t.Run("agent.message", func(t *testing.T) {
		patch, ok := eventPatch(&schema.Event{Type: schema.EventAgentMessage, TurnID: "turn-1", Text: "hi"})
		require.True(t, ok)
		require.Len(t, patch.Turns, 1)
		assert.Equal(t, "hi", patch.Turns[0].Result.Text)
	})
	t.Run("agent.thinking feeds no patch", func(t *testing.T) {
		_, ok := eventPatch(&schema.Event{Type: schema.EventAgentThinking, Text: "hmm"})
		assert.False(t, ok)
	})
	t.Run("task.completed resolves the named turn", func(t *testing.T) {
		patch, ok := eventPatch(&schema.Event{
			Type:   schema.EventTaskCompleted,
			TurnID: "turn-1",
			Result: &schema.Result{Text: "ok"},
		})
		require.True(t, ok)
		assert.Equal(t, schema.TaskStatusCompleted, patch.Status)
		require.Len(t, patch.Turns, 1)
		assert.Equal(t, "turn-1", patch.Turns[0].ID)
		assert.Equal(t, "ok", patch.Turns[0].Result.Text)
	})
	t.Run("task.completed without a turn carries only status", func(t *testing.T) {
		patch, ok := eventPatch(&schema.Event{
			Type:   schema.EventTaskCompleted,
			Result: &schema.Result{Text: "ok"},
		})
		require.True(t, ok)
		assert.Empty(t, patch.Turns)
	})
	t.Run("task.failed", func(t *testing.T) {
		patch, ok := eventPatch(&schema.Event{Type: schema.EventTaskFailed, Error: "timeout"})
		require.True(t, ok)
		assert.Equal(t, schema.TaskStatusFailed, patch.Status)
		assert.Equal(t, "timeout", patch.Error)
	})
}
