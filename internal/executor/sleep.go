package executor

import (
	"context"
	"time"

	"github.com/me/dispatchq/pkg/model"
)

// SleepFactory builds executors that wait for a fixed duration and echo
// their input. They stand in for model calls in demos and load tests.
type SleepFactory struct{}

// NewSleepFactory creates a SleepFactory.
func NewSleepFactory() *SleepFactory {
	return &SleepFactory{}
}

// Kind returns KindSleep.
func (f *SleepFactory) Kind() string {
	return KindSleep
}

// Build parses spec.Sleep as a time.ParseDuration string.
func (f *SleepFactory) Build(taskID string, spec model.ExecutorSpec) (model.Executor, error) {
	d, err := time.ParseDuration(spec.Sleep)
	if err != nil {
		return nil, specError(taskID, "sleep", err.Error())
	}
	if d < 0 {
		return nil, specError(taskID, "sleep", "must be >= 0")
	}
	input := spec.Input
	return model.ExecutorFunc(func(ctx context.Context) (any, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]any{"slept": d.String(), "input": input}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}
