package scheduler

import (
	"context"
	"time"

	"github.com/me/dispatchq/internal/capacity"
	"github.com/me/dispatchq/pkg/model"
)

// Entry wraps a task while the scheduler owns it. Timestamps satisfy
// EnqueuedAt <= StartedAt <= CompletedAt whenever they are set, and
// SkipCount only grows while the entry is queued.
type Entry struct {
	Task        *model.Task
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	SkipCount   int
	State       model.EntryState

	ctx        context.Context
	handle     *Handle
	permit     *capacity.Permit
	dispatched chan struct{} // closed when the entry leaves the queue
}

func newEntry(ctx context.Context, task *model.Task, now time.Time) *Entry {
	return &Entry{
		Task:       task,
		EnqueuedAt: now,
		State:      model.EntryStateQueued,
		ctx:        ctx,
		handle:     newHandle(task.ID),
		dispatched: make(chan struct{}),
	}
}

// leaveQueue moves a queued entry to next. Caller holds the loop lock.
func (e *Entry) leaveQueue(next model.EntryState) bool {
	if e.State != model.EntryStateQueued || !e.State.CanTransitionTo(next) {
		return false
	}
	e.State = next
	close(e.dispatched)
	return true
}

func (e *Entry) expired(now time.Time) bool {
	return e.Task.HasDeadline() && !now.Before(e.Task.Deadline)
}

func (e *Entry) snapshot(now time.Time) model.EntrySnapshot {
	waitedUntil := now
	if !e.StartedAt.IsZero() {
		waitedUntil = e.StartedAt
	}
	return model.EntrySnapshot{
		TaskID:     e.Task.ID,
		State:      e.State,
		Priority:   e.Task.Priority,
		Provider:   e.Task.Provider,
		Model:      e.Task.Model,
		SkipCount:  e.SkipCount,
		EnqueuedAt: e.EnqueuedAt,
		Waited:     waitedUntil.Sub(e.EnqueuedAt),
		Deadline:   e.Task.Deadline,
	}
}

func (e *Entry) record(res model.TaskResult) model.TaskRecord {
	return model.TaskRecord{
		TaskResult:  res,
		Source:      e.Task.Source,
		Provider:    e.Task.Provider,
		Model:       e.Task.Model,
		Priority:    e.Task.Priority,
		SkipCount:   e.SkipCount,
		EnqueuedAt:  e.EnqueuedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
}
