package model

import (
	"context"
	"time"
)

// Source identifies what kind of caller produced a task.
type Source string

const (
	SourceSubagent  Source = "subagent"
	SourceAgentTeam Source = "agent_team"
	SourceParallel  Source = "parallel"
	SourceLoop      Source = "loop"
	SourceAPI       Source = "api"
)

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceSubagent, SourceAgentTeam, SourceParallel, SourceLoop, SourceAPI:
		return true
	}
	return false
}

// Executor runs the work behind a task. The scheduler never inspects
// what it does; ctx carries both cancellation and the effective deadline.
type Executor interface {
	Execute(ctx context.Context) (any, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context) (any, error)

// Execute calls f(ctx).
func (f ExecutorFunc) Execute(ctx context.Context) (any, error) {
	return f(ctx)
}

// Task is a caller-owned unit of model-backed work. The scheduler keeps a
// reference to it and never mutates it.
type Task struct {
	ID       string       `json:"id"`
	Source   Source       `json:"source"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Priority Priority     `json:"priority"`
	Cost     CostEstimate `json:"cost"`

	// Deadline is the absolute time by which the task must finish.
	// The zero value means no deadline.
	Deadline time.Time `json:"deadline,omitempty"`

	Executor Executor `json:"-"`
}

// HasDeadline reports whether the task carries an explicit deadline.
func (t *Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// ModelKey identifies the provider/model pair the task runs against.
func (t *Task) ModelKey() string {
	return ModelKey(t.Provider, t.Model)
}

// ModelKey joins a provider and model into the key used for per-model limits.
func ModelKey(provider, model string) string {
	return provider + "/" + model
}

// Validate checks that the task is fully populated.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &InvalidTaskError{Field: "id", Message: "required"}
	}
	if t.Source != "" && !t.Source.IsValid() {
		return &InvalidTaskError{TaskID: t.ID, Field: "source", Message: "unknown source " + string(t.Source)}
	}
	if t.Provider == "" {
		return &InvalidTaskError{TaskID: t.ID, Field: "provider", Message: "required"}
	}
	if t.Model == "" {
		return &InvalidTaskError{TaskID: t.ID, Field: "model", Message: "required"}
	}
	if !t.Priority.IsValid() {
		return &InvalidTaskError{TaskID: t.ID, Field: "priority", Message: "unknown priority " + string(t.Priority)}
	}
	if err := t.Cost.Validate(); err != nil {
		if ite, ok := err.(*InvalidTaskError); ok {
			ite.TaskID = t.ID
		}
		return err
	}
	if t.Executor == nil {
		return &InvalidTaskError{TaskID: t.ID, Field: "executor", Message: "required"}
	}
	return nil
}

// TaskResult is produced exactly once per task when it reaches a terminal state.
// TimedOut and Aborted are never set together with Success.
type TaskResult struct {
	TaskID    string        `json:"task_id"`
	Outcome   EntryState    `json:"outcome"`
	Success   bool          `json:"success"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
	Waited    time.Duration `json:"waited_ns"`
	Execution time.Duration `json:"execution_ns"`
	TimedOut  bool          `json:"timed_out"`
	Aborted   bool          `json:"aborted"`
}

// TaskRecord is a finished task as kept in the result history.
type TaskRecord struct {
	TaskResult
	Source      Source    `json:"source"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Priority    Priority  `json:"priority"`
	SkipCount   int       `json:"skip_count"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
