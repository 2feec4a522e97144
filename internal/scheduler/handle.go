package scheduler

import (
	"context"
	"sync"

	"github.com/me/dispatchq/pkg/model"
)

// Handle resolves once its task reaches a terminal state.
type Handle struct {
	TaskID string

	once   sync.Once
	done   chan struct{}
	result model.TaskResult
}

func newHandle(taskID string) *Handle {
	return &Handle{TaskID: taskID, done: make(chan struct{})}
}

// Done is closed when the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the task result and true once the task has settled.
func (h *Handle) Result() (model.TaskResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return model.TaskResult{}, false
	}
}

// Wait blocks until the task settles or ctx is done. Giving up on the wait
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) (model.TaskResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return model.TaskResult{}, ctx.Err()
	}
}

func (h *Handle) resolve(res model.TaskResult) {
	h.once.Do(func() {
		h.result = res
		close(h.done)
	})
}
