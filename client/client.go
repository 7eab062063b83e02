// Package client implements the task-side model of the agent execution
// platform: a REST client for the task API, a status poller, a live event
// stream reader, and a per-task watcher that reconciles both sources into one
// consistent task model and drives the lifecycle operations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	schema "github.com/taskdeck/taskdeck/shared/tasks/schema"
)

// Client talks to the task HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	headers    map[string]string
}

// New creates a task API client for the given base URL.
func New(baseURL string, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL %s: %w", baseURL, err)
	}
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		headers:    make(map[string]string),
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

// CreateTask submits a new task and returns the server's initial snapshot.
func (c *Client) CreateTask(ctx context.Context, params schema.CreateTaskParams) (*schema.Task, error) {
	var task schema.Task
	if err := c.doJSON(ctx, http.MethodPost, "/tasks", params, &task); err != nil {
		return nil, err
	}
	c.logger.Debug("Task created", zap.String("taskID", task.ID), zap.String("status", string(task.Status)))
	return &task, nil
}

// GetTask fetches the authoritative snapshot of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*schema.Task, error) {
	var task schema.Task
	if err := c.doJSON(ctx, http.MethodGet, "/tasks/"+taskID, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// AppendTurn continues the conversation of a running or completed task and
// returns the updated snapshot. Legality against the local model is enforced
// by the watcher; the server enforces its own rules independently.
func (c *Client) AppendTurn(ctx context.Context, taskID string, params schema.AppendTurnParams) (*schema.Task, error) {
	var task schema.Task
	if err := c.doJSON(ctx, http.MethodPost, "/tasks/"+taskID, params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask issues DELETE /tasks/{id}. The server cancels a non-terminal
// task and deletes a terminal one; callers must not rely on which branch ran.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+taskID, nil, nil)
}

// EventsURL returns the SSE endpoint for one task's live event stream.
func (c *Client) EventsURL(taskID string) string {
	return c.baseURL + "/tasks/" + taskID + "/events"
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, target any) error {
	op := method + " " + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body for %s: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", op, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &APIError{Op: op, StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response for %s: %w", op, err)
	}
	return nil
}
