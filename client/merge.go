package client

import (
	"strings"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/shared"
	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// patchSource tags where a candidate update came from. The poll snapshot is
// the authoritative source; the stream has lower latency.
type patchSource int

const (
	sourcePoll patchSource = iota
	sourceStream
)

func (s patchSource) String() string {
	if s == sourceStream {
		return "stream"
	}
	return "poll"
}

// localTurnPrefix marks optimistic turns appended before the server has
// assigned an id. They are adopted into server turns during merge.
const localTurnPrefix = "local-"

// merger applies reconciliation patches onto the task model. It remembers
// which source set the current terminal status, so the poll-wins tie-break
// only ever corrects a terminal status the stream announced; a poll-confirmed
// terminal status is immutable.
type merger struct {
	logger *zap.Logger

	// terminalSrc is meaningful only while the model status is terminal.
	terminalSrc patchSource
}

func newMerger(logger *zap.Logger) *merger {
	return &merger{logger: logger, terminalSrc: sourcePoll}
}

// merge applies patch onto current and returns the next model plus whether
// anything changed. The merge is commutative and idempotent for already-known
// facts: duplicate or late-arriving patches never regress state.
//
// Scalar fields are replaced only when the patch supplies a non-empty value.
// Status transitions are gated by the lifecycle state machine; illegal ones
// (stale or out-of-order deliveries) are dropped and logged. The one
// exception is a terminal-vs-terminal disagreement, where the poll snapshot
// corrects a stream-set terminal status.
func (m *merger) merge(current schema.Task, patch schema.Task, src patchSource) (schema.Task, bool) {
	next := current.Clone()
	changed := false

	if patch.Status != "" && patch.Status != next.Status {
		switch {
		case next.Status.CanTransition(patch.Status):
			next.Status = patch.Status
			if patch.Status.Terminal() {
				m.terminalSrc = src
			}
			changed = true
		case next.Status.Terminal() && patch.Status.Terminal() &&
			src == sourcePoll && m.terminalSrc == sourceStream:
			m.logger.Warn("Poll corrected stream-set terminal status",
				zap.String("stream", string(next.Status)), zap.String("poll", string(patch.Status)))
			next.Status = patch.Status
			m.terminalSrc = sourcePoll
			changed = true
		default:
			m.logger.Debug("Dropping illegal status transition",
				zap.String("from", string(next.Status)), zap.String("to", string(patch.Status)),
				zap.Stringer("source", src))
		}
	}

	if patch.SessionID != "" && next.SessionID == "" {
		next.SessionID = patch.SessionID
		changed = true
	}
	if patch.ProfileID != "" && next.ProfileID == "" {
		next.ProfileID = patch.ProfileID
		changed = true
	}
	if patch.Error != "" && next.Error == "" {
		next.Error = patch.Error
		changed = true
	}
	if next.CreatedAt.IsZero() && !patch.CreatedAt.IsZero() {
		next.CreatedAt = patch.CreatedAt
		changed = true
	}
	if next.StartedAt == nil && patch.StartedAt != nil {
		next.StartedAt = shared.PointerTo(*patch.StartedAt)
		changed = true
	}
	if next.CompletedAt == nil && patch.CompletedAt != nil {
		next.CompletedAt = shared.PointerTo(*patch.CompletedAt)
		changed = true
	}

	for i := range patch.Turns {
		if mergeTurn(&next, &patch.Turns[i]) {
			changed = true
		}
	}

	if syncLastTurnResult(&next) {
		changed = true
	}

	return next, changed
}

// mergeTurn merges one patch turn by id: a known id updates the turn in
// place, an unknown id either adopts a local placeholder or is appended.
// Turns are never removed.
func mergeTurn(task *schema.Task, patch *schema.Turn) bool {
	for i := range task.Turns {
		if task.Turns[i].ID == patch.ID {
			return updateTurn(&task.Turns[i], patch)
		}
	}
	// A server-assigned turn confirms the oldest matching optimistic
	// placeholder instead of duplicating it.
	if !strings.HasPrefix(patch.ID, localTurnPrefix) {
		for i := range task.Turns {
			t := &task.Turns[i]
			if strings.HasPrefix(t.ID, localTurnPrefix) && !t.Resolved() && t.Prompt == patch.Prompt {
				t.ID = patch.ID
				updateTurn(t, patch)
				return true
			}
		}
	}
	appended := *patch
	appended.Result = nil
	if patch.Result != nil {
		r := *patch.Result
		appended.Result = &r
	}
	task.Turns = append(task.Turns, appended)
	return true
}

func updateTurn(turn *schema.Turn, patch *schema.Turn) bool {
	changed := false
	if turn.Prompt == "" && patch.Prompt != "" {
		turn.Prompt = patch.Prompt
		changed = true
	}
	if turn.CreatedAt.IsZero() && !patch.CreatedAt.IsZero() {
		turn.CreatedAt = patch.CreatedAt
		changed = true
	}
	// Duplicate result arrivals for an already-resolved turn are no-ops.
	if turn.Result == nil && patch.Result != nil {
		r := *patch.Result
		turn.Result = &r
		changed = true
	}
	return changed
}

// syncLastTurnResult keeps the invariant that the task-level result mirrors
// the last turn's result: present iff the last turn has one. The mirror only
// flows turn to task. A task-level result is never copied down onto an
// unresolved turn: while an appended turn awaits the server, stale snapshots
// still carry the previous turn's result at task level, and attaching it
// would fabricate an answer for a turn the agent has not run.
func syncLastTurnResult(task *schema.Task) bool {
	last := task.LastTurn()
	if last == nil {
		return false
	}
	if last.Result == nil {
		if task.Result != nil {
			task.Result = nil
			return true
		}
		return false
	}
	if task.Result == nil {
		r := *last.Result
		task.Result = &r
		return true
	}
	return false
}

// eventPatch projects a stream event onto a task-shaped patch. Events that
// only feed the activity log (thinking, tool calls) produce no patch. A
// terminal completed event carrying a result resolves the turn named by its
// turn id; the watcher fills that id in from the open server turn when the
// event arrives without one.
func eventPatch(ev *schema.Event) (schema.Task, bool) {
	switch ev.Type {
	case schema.EventTaskStarted:
		patch := schema.Task{Status: schema.TaskStatusRunning}
		if !ev.Timestamp.IsZero() {
			patch.StartedAt = shared.PointerTo(ev.Timestamp)
		}
		return patch, true
	case schema.EventTurnStarted:
		if ev.TurnID == "" {
			return schema.Task{}, false
		}
		return schema.Task{Turns: []schema.Turn{{ID: ev.TurnID, Prompt: ev.Prompt, CreatedAt: ev.Timestamp}}}, true
	case schema.EventAgentMessage:
		if ev.TurnID == "" {
			return schema.Task{}, false
		}
		return schema.Task{Turns: []schema.Turn{{ID: ev.TurnID, Result: &schema.Result{Text: ev.Text}}}}, true
	case schema.EventTaskCompleted:
		patch := schema.Task{Status: schema.TaskStatusCompleted}
		if ev.Result != nil && ev.TurnID != "" {
			result := *ev.Result
			patch.Turns = []schema.Turn{{ID: ev.TurnID, Result: &result}}
		}
		if !ev.Timestamp.IsZero() {
			patch.CompletedAt = shared.PointerTo(ev.Timestamp)
		}
		return patch, true
	case schema.EventTaskFailed:
		patch := schema.Task{Status: schema.TaskStatusFailed, Error: ev.Error}
		if !ev.Timestamp.IsZero() {
			patch.CompletedAt = shared.PointerTo(ev.Timestamp)
		}
		return patch, true
	case schema.EventTaskCancelled:
		patch := schema.Task{Status: schema.TaskStatusCancelled}
		if !ev.Timestamp.IsZero() {
			patch.CompletedAt = shared.PointerTo(ev.Timestamp)
		}
		return patch, true
	}
	return schema.Task{}, false
}
