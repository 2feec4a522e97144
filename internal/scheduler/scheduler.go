// Package scheduler dispatches model-backed tasks onto a capacity-limited
// substrate. Tasks wait in an in-memory queue ordered by priority, a
// same-tier starvation override, deadline, arrival and estimated duration;
// a loop repeatedly picks the best admissible entry, obtains a permit from
// the capacity manager and runs the task's executor under a timeout.
package scheduler

import (
	"context"

	"github.com/me/dispatchq/internal/capacity"
	"github.com/me/dispatchq/pkg/model"
)

// Dispatcher is the surface the API server and other callers depend on.
type Dispatcher interface {
	// Schedule enqueues task. ctx is the task's cancellation token: once it
	// is done the task is aborted, whether it is still queued or running.
	Schedule(ctx context.Context, task *model.Task) (*Handle, error)

	// Stats returns a queue snapshot rebuilt from the live entry set.
	Stats() model.QueueStats

	// Utilization reports active/max per model and globally.
	Utilization() model.Utilization

	// Queue lists queued entries in dispatch order followed by running ones.
	Queue() []model.EntrySnapshot

	// Permits lists the outstanding dispatch permits.
	Permits() []capacity.Permit
}

// Recorder receives every finished task. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordResult(ctx context.Context, rec model.TaskRecord) error
}

var _ Dispatcher = (*Loop)(nil)
