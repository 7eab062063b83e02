package schema

// CreateTaskParams is the body of POST /tasks. Either SessionID or ProfileID
// selects the execution context for the new task.
type CreateTaskParams struct {
	SessionID   string   `json:"session_id,omitempty"`
	ProfileID   string   `json:"profile_id,omitempty"`
	Prompt      string   `json:"prompt"`
	Attachments []string `json:"attachments,omitempty"`
}

// AppendTurnParams is the body of POST /tasks/{id}, continuing the
// conversation of a running or completed task.
type AppendTurnParams struct {
	Prompt string `json:"prompt"`
}
