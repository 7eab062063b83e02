package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// Legality of each lifecycle operation against a task status. Operations
// outside their legal set are rejected locally, before any network call.

// CanAppendTurn reports whether a new turn may be appended: the task must be
// running, or completed (appending reopens it server-side).
func CanAppendTurn(s schema.TaskStatus) bool {
	return s == schema.TaskStatusRunning || s == schema.TaskStatusCompleted
}

// CanCancel reports whether cancellation may be requested.
func CanCancel(s schema.TaskStatus) bool {
	switch s {
	case schema.TaskStatusPending, schema.TaskStatusQueued, schema.TaskStatusRunning:
		return true
	}
	return false
}

// CanRetry reports whether the task may be retried. Retrying creates a new
// task seeded from this one; the original is never mutated.
func CanRetry(s schema.TaskStatus) bool {
	return s == schema.TaskStatusFailed || s == schema.TaskStatusCancelled
}

// CanDelete reports whether the task may be deleted from the record.
func CanDelete(s schema.TaskStatus) bool {
	return s.Terminal()
}

// AppendTurn submits the next prompt of the conversation. A placeholder turn
// with a local id is appended optimistically and adopted once the server
// assigns the real id (via the response snapshot, a poll, or a stream event).
// Appending to a completed task reopens it and resumes observation.
func (w *Watcher) AppendTurn(ctx context.Context, prompt string) (schema.Turn, error) {
	w.mu.Lock()
	status := w.task.Status
	if !CanAppendTurn(status) {
		w.mu.Unlock()
		return schema.Turn{}, &InvalidStateTransitionError{Op: "appendTurn", Status: status}
	}
	placeholder := schema.Turn{
		ID:        localTurnPrefix + uuid.NewString(),
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}
	w.task.Turns = append(w.task.Turns, placeholder)
	// The new turn has no result yet, so the task-level result is cleared to
	// keep it mirroring the last turn.
	w.task.Result = nil
	w.notifyLocked()
	w.mu.Unlock()

	updated, err := w.client.AppendTurn(ctx, w.taskID, schema.AppendTurnParams{Prompt: prompt})
	if err != nil {
		// The write may or may not have applied server-side; it is surfaced,
		// never retried silently. The placeholder is withdrawn so the UI does
		// not show a turn the server never confirmed; if the write did land,
		// the next poll restores it under its server id.
		w.removePlaceholder(placeholder.ID)
		return schema.Turn{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.task.Status.Terminal() && updated.Status != "" && !updated.Status.Terminal() {
		w.reopenLocked(updated.Status)
	}
	w.applyPatchLocked(*updated, sourcePoll)

	for i := range w.task.Turns {
		if w.task.Turns[i].Prompt == prompt && i == len(w.task.Turns)-1 {
			return w.task.Turns[i], nil
		}
	}
	return placeholder, nil
}

// reopenLocked moves a completed task back into observation after the server
// accepted a new turn. This is the one path that leaves a terminal status:
// it is an explicit client-initiated operation, not a reconciliation merge,
// so the no-regression rule for patches is preserved.
func (w *Watcher) reopenLocked(status schema.TaskStatus) {
	w.logger.Info("Reopening completed task", zap.String("status", string(status)))
	w.task.Status = status
	w.task.CompletedAt = nil
	w.task.Error = ""
	if w.closed {
		return
	}
	if w.watching {
		// The previous episode is shutting down; start the next one once it
		// has fully stopped.
		done := w.episodeDone
		go func() {
			<-done
			w.mu.Lock()
			defer w.mu.Unlock()
			if !w.closed && !w.watching && !w.task.Status.Terminal() {
				w.startEpisodeLocked()
			}
		}()
		return
	}
	w.startEpisodeLocked()
}

func (w *Watcher) removePlaceholder(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.task.Turns {
		if w.task.Turns[i].ID == id {
			w.task.Turns = append(w.task.Turns[:i], w.task.Turns[i+1:]...)
			syncLastTurnResult(&w.task)
			w.notifyLocked()
			return
		}
	}
}

// Cancel requests cancellation of a non-terminal task. Nothing changes
// locally until the server confirms: cancelling a running agent is not
// guaranteed to be instantaneous, and the poller or stream will deliver the
// resulting transition.
func (w *Watcher) Cancel(ctx context.Context) error {
	w.mu.RLock()
	status := w.task.Status
	w.mu.RUnlock()
	if !CanCancel(status) {
		return &InvalidStateTransitionError{Op: "cancel", Status: status}
	}
	return w.client.DeleteTask(ctx, w.taskID)
}

// Retry creates a brand-new task seeded from this one's configuration. The
// original task keeps its id and terminal status untouched.
func (w *Watcher) Retry(ctx context.Context) (*schema.Task, error) {
	w.mu.RLock()
	seed := w.task.Clone()
	w.mu.RUnlock()
	return w.client.RetryTask(ctx, &seed)
}

// Delete removes a terminal task from the local and remote record.
func (w *Watcher) Delete(ctx context.Context) error {
	w.mu.RLock()
	status := w.task.Status
	w.mu.RUnlock()
	if !CanDelete(status) {
		return &InvalidStateTransitionError{Op: "delete", Status: status}
	}
	return w.client.DeleteTask(ctx, w.taskID)
}

// RetryTask creates a new task from a failed or cancelled one. The original
// is read, never written: terminal tasks are immutable per id.
func (c *Client) RetryTask(ctx context.Context, original *schema.Task) (*schema.Task, error) {
	if !CanRetry(original.Status) {
		return nil, &InvalidStateTransitionError{Op: "retry", Status: original.Status}
	}
	params := schema.CreateTaskParams{
		SessionID: original.SessionID,
		ProfileID: original.ProfileID,
	}
	if len(original.Turns) > 0 {
		params.Prompt = original.Turns[0].Prompt
	}
	task, err := c.CreateTask(ctx, params)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Task retried as new task",
		zap.String("originalTaskID", original.ID), zap.String("taskID", task.ID))
	return task, nil
}
