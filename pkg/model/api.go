package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures result history queries.
type ListOptions struct {
	Limit    int
	Offset   int
	Provider string     // Optional provider filter
	Outcome  EntryState // Optional outcome filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ExecutorSpec selects and parameterises an execution backend for tasks
// submitted over the API.
type ExecutorSpec struct {
	Kind    string         `json:"kind"`
	Image   string         `json:"image,omitempty"` // container kind only
	Command []string       `json:"command,omitempty"`
	Script  string         `json:"script,omitempty"`
	Sleep   string         `json:"sleep,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	ID         string       `json:"id,omitempty"`
	Source     Source       `json:"source,omitempty"`
	Provider   string       `json:"provider"`
	Model      string       `json:"model"`
	Priority   Priority     `json:"priority"`
	Cost       CostEstimate `json:"cost"`
	DeadlineMs int64        `json:"deadline_ms,omitempty"` // relative to submission
	Executor   ExecutorSpec `json:"executor"`
}

// TaskStatus is the API view of a submitted task.
type TaskStatus struct {
	TaskID string      `json:"task_id"`
	State  EntryState  `json:"state"`
	Result *TaskResult `json:"result,omitempty"`
}
