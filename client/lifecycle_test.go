package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// countingTransport fails every request and counts attempts, proving that
// locally-rejected operations never reach the wire.
type countingTransport struct {
	calls atomic.Int64
}

func (t *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return nil, context.DeadlineExceeded
}

func TestOperationLegality(t *testing.T) {
	cases := []struct {
		status schema.TaskStatus
		append bool
		cancel bool
		retry  bool
		delete bool
	}{
		{schema.TaskStatusPending, false, true, false, false},
		{schema.TaskStatusQueued, false, true, false, false},
		{schema.TaskStatusRunning, true, true, false, false},
		{schema.TaskStatusCompleted, true, false, false, true},
		{schema.TaskStatusFailed, false, false, true, true},
		{schema.TaskStatusCancelled, false, false, true, true},
	}
	for _, c := range cases {
		t.Run(string(c.status), func(t *testing.T) {
			assert.Equal(t, c.append, CanAppendTurn(c.status))
			assert.Equal(t, c.cancel, CanCancel(c.status))
			assert.Equal(t, c.retry, CanRetry(c.status))
			assert.Equal(t, c.delete, CanDelete(c.status))
		})
	}
}

func TestAppendTurnOnFailedTaskRejectedLocally(t *testing.T) {
	transport := &countingTransport{}
	c, err := New("http://taskdeck.invalid", WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)

	failed := &schema.Task{
		ID:     "t-failed",
		Status: schema.TaskStatusFailed,
		Error:  "simulated agent failure",
		Turns:  []schema.Turn{{ID: "turn-1", Prompt: "first"}},
	}
	w := c.Watch(context.Background(), failed)
	defer w.Close()

	_, err = w.AppendTurn(context.Background(), "again")
	require.Error(t, err)
	assert.True(t, IsInvalidStateTransition(err))
	var ist *InvalidStateTransitionError
	require.ErrorAs(t, err, &ist)
	assert.Equal(t, "appendTurn", ist.Op)
	assert.Equal(t, schema.TaskStatusFailed, ist.Status)

	assert.Equal(t, int64(0), transport.calls.Load(), "local rejection must not touch the network")
	assert.Len(t, w.Snapshot().Turns, 1, "no placeholder turn on rejection")
}

func TestCancelAndDeleteRejectedLocally(t *testing.T) {
	transport := &countingTransport{}
	c, err := New("http://taskdeck.invalid", WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)

	completed := &schema.Task{ID: "t-done", Status: schema.TaskStatusCompleted}
	w := c.Watch(context.Background(), completed)
	defer w.Close()

	err = w.Cancel(context.Background())
	assert.True(t, IsInvalidStateTransition(err), "cancel on terminal task: %v", err)

	pending := &schema.Task{ID: "t-new", Status: schema.TaskStatusPending}
	w2 := c.Watch(context.Background(), pending, WatchWithoutStream(),
		WatchPollerOptions(WithPollInterval(time.Hour)))
	w2.Close()
	<-w2.Done()

	before := transport.calls.Load()
	err = w2.Delete(context.Background())
	assert.True(t, IsInvalidStateTransition(err), "delete on non-terminal task: %v", err)
	assert.Equal(t, before, transport.calls.Load(), "local rejection must not touch the network")
}

func TestAppendTurnPlaceholderWithdrawnOnError(t *testing.T) {
	transport := &countingTransport{}
	c, err := New("http://taskdeck.invalid", WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)

	running := &schema.Task{
		ID:     "t-run",
		Status: schema.TaskStatusRunning,
		Turns: []schema.Turn{{
			ID:     "turn-1",
			Prompt: "first",
			Result: &schema.Result{Text: "done"},
		}},
		Result: &schema.Result{Text: "done"},
	}
	w := c.Watch(context.Background(), running, WatchWithoutStream(),
		WatchPollerOptions(WithPollInterval(time.Hour)))
	defer w.Close()

	_, err = w.AppendTurn(context.Background(), "second")
	require.Error(t, err)
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)

	snap := w.Snapshot()
	assert.Len(t, snap.Turns, 1, "placeholder must be withdrawn after a failed submit")
	require.NotNil(t, snap.Result, "task result restored from the last confirmed turn")
	assert.Equal(t, "done", snap.Result.Text)
}

func TestRetryTaskCreatesNewTask(t *testing.T) {
	var created atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tasks", r.URL.Path)
		var params schema.CreateTaskParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "sess-1", params.SessionID)
		assert.Equal(t, "first", params.Prompt)
		created.Add(1)
		task := schema.Task{
			ID:        "t-retried",
			SessionID: params.SessionID,
			Status:    schema.TaskStatusPending,
			Turns:     []schema.Turn{{ID: "turn-r1", Prompt: params.Prompt}},
			CreatedAt: time.Now().UTC(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(task)
	}))
	defer server.Close()

	c, err := New(server.URL)
	require.NoError(t, err)

	original := &schema.Task{
		ID:        "t-cancelled",
		SessionID: "sess-1",
		Status:    schema.TaskStatusCancelled,
		Turns:     []schema.Turn{{ID: "turn-1", Prompt: "first"}},
	}
	retried, err := c.RetryTask(context.Background(), original)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Load())
	assert.NotEqual(t, original.ID, retried.ID)
	assert.Equal(t, schema.TaskStatusPending, retried.Status)

	// The original is never written.
	assert.Equal(t, schema.TaskStatusCancelled, original.Status)
	assert.Equal(t, "t-cancelled", original.ID)
}

func TestRetryTaskRejectsNonRetryable(t *testing.T) {
	transport := &countingTransport{}
	c, err := New("http://taskdeck.invalid", WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)

	_, err = c.RetryTask(context.Background(), &schema.Task{ID: "t-1", Status: schema.TaskStatusRunning})
	assert.True(t, IsInvalidStateTransition(err))
	assert.Equal(t, int64(0), transport.calls.Load())
}
