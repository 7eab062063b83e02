package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a stream event. Payload fields are populated depending on
// the type; see the field comments on Event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTurnStarted   EventType = "task.turn_started"
	EventAgentThinking EventType = "agent.thinking"
	EventAgentToolCall EventType = "agent.tool_call"
	EventAgentMessage  EventType = "agent.message"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
)

// Terminal reports whether the event announces a terminal task status and
// therefore ends the stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

// Known reports whether the event type is one the client understands.
// Unknown types are tolerated so the server can add event kinds without
// breaking older clients.
func (t EventType) Known() bool {
	switch t {
	case EventTaskStarted, EventTurnStarted, EventAgentThinking,
		EventAgentToolCall, EventAgentMessage,
		EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

// Event is one item from a task's live event stream. Events are projection
// triggers, not first-class state: they update the task model or feed the
// bounded activity log, and are never persisted by the client.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id,omitempty"`
	// TurnID identifies the turn for task.turn_started and agent.message.
	TurnID string `json:"turn_id,omitempty"`
	// Prompt carries the turn input for task.turn_started.
	Prompt string `json:"prompt,omitempty"`
	// Text carries agent output for agent.thinking and agent.message.
	Text string `json:"text,omitempty"`
	// Tool and Arguments describe an agent.tool_call.
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Result is attached to task.completed.
	Result *Result `json:"result,omitempty"`
	// Error is attached to task.failed.
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ParseEvent decodes one stream payload into an Event.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event missing type tag")
	}
	return &ev, nil
}

// TerminalStatus maps a terminal event type to the task status it announces.
func (e *Event) TerminalStatus() (TaskStatus, bool) {
	switch e.Type {
	case EventTaskCompleted:
		return TaskStatusCompleted, true
	case EventTaskFailed:
		return TaskStatusFailed, true
	case EventTaskCancelled:
		return TaskStatusCancelled, true
	}
	return "", false
}
