package client

import (
	"errors"
	"fmt"
	"time"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// NetworkError wraps a transport-level failure of a poll, stream, or command
// request. Polling absorbs these and retries on the next tick; command
// requests surface them immediately, since a write that may or may not have
// applied must not be silently retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: request failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is a non-2xx response from the task API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// StreamUnavailableError signals that the live event subscription was lost and
// could not be re-established. It is non-fatal: the watcher falls back to
// poll-only mode.
type StreamUnavailableError struct {
	TaskID string
	Err    error
}

func (e *StreamUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("event stream for task %s unavailable", e.TaskID)
	}
	return fmt.Sprintf("event stream for task %s unavailable: %v", e.TaskID, e.Err)
}

func (e *StreamUnavailableError) Unwrap() error {
	return e.Err
}

// InvalidStateTransitionError rejects a lifecycle operation that is not legal
// against the task's current status. It is raised locally, before any network
// call is made.
type InvalidStateTransitionError struct {
	Op     string
	Status schema.TaskStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s is not legal while task status is %q", e.Op, e.Status)
}

// TimeoutError reports that sole-source polling exhausted its attempt ceiling
// without the task reaching a terminal status. It is distinct from a
// server-reported failed status.
type TimeoutError struct {
	TaskID   string
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s still not terminal after %d polls (%s)", e.TaskID, e.Attempts, e.Elapsed)
}

// IsInvalidStateTransition reports whether err is a local legality rejection.
func IsInvalidStateTransition(err error) bool {
	var ist *InvalidStateTransitionError
	return errors.As(err, &ist)
}

// IsTimeout reports whether err is a sole-source polling timeout.
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}
