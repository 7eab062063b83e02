package schema

import "time"

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final for a task id. A task never
// leaves a terminal status; a retry creates a new task instead.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Known reports whether the status is one of the defined lifecycle states.
func (s TaskStatus) Known() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// nonTerminalRank orders the non-terminal states along the forward path
// pending -> queued -> running.
func nonTerminalRank(s TaskStatus) int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusQueued:
		return 1
	case TaskStatusRunning:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition: strictly forward along pending -> queued -> running, or from any
// non-terminal state directly to any terminal state. No transition out of a
// terminal state is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	from, to := nonTerminalRank(s), nonTerminalRank(next)
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// Result is the outcome of a turn. A task's top-level result mirrors the
// result of its last turn.
type Result struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// Turn is one prompt/response exchange within a task's conversation.
type Turn struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolved reports whether the turn has received its result.
func (t *Turn) Resolved() bool {
	return t.Result != nil
}

// Task is one server-side unit of agent work.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	ProfileID   string     `json:"profile_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Turns       []Turn     `json:"turns,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TurnCount returns the number of turns in the conversation.
func (t *Task) TurnCount() int {
	return len(t.Turns)
}

// LastTurn returns the most recent turn, or nil for an empty conversation.
func (t *Task) LastTurn() *Turn {
	if len(t.Turns) == 0 {
		return nil
	}
	return &t.Turns[len(t.Turns)-1]
}

// OpenTurn returns the last turn if it has no result yet, otherwise nil.
func (t *Task) OpenTurn() *Turn {
	last := t.LastTurn()
	if last == nil || last.Resolved() {
		return nil
	}
	return last
}

// Clone returns a deep copy of the task. Turns and results are copied so the
// clone can be handed to callers without aliasing the reconciler's model.
func (t *Task) Clone() Task {
	clone := *t
	if t.Turns != nil {
		clone.Turns = make([]Turn, len(t.Turns))
		copy(clone.Turns, t.Turns)
		for i := range clone.Turns {
			clone.Turns[i].Result = cloneResult(clone.Turns[i].Result)
		}
	}
	clone.Result = cloneResult(t.Result)
	clone.StartedAt = cloneTime(t.StartedAt)
	clone.CompletedAt = cloneTime(t.CompletedAt)
	return clone
}

func cloneResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
