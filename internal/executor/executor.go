// Package executor builds the work behind tasks submitted over the API.
// Each backend is a Factory keyed by kind that turns a model.ExecutorSpec
// into a model.Executor the scheduler can run.
package executor

import (
	"github.com/me/dispatchq/pkg/model"
)

// Kinds understood by the built-in factories.
const (
	KindCommand   = "command"
	KindContainer = "container"
	KindScript    = "script"
	KindSleep     = "sleep"
)

// Factory is a pluggable backend that builds executors from specs.
type Factory interface {
	// Kind returns the spec kind this factory handles.
	Kind() string

	// Build validates spec and returns a ready-to-run executor.
	Build(taskID string, spec model.ExecutorSpec) (model.Executor, error)
}

func specError(taskID, field, msg string) error {
	return &model.InvalidTaskError{TaskID: taskID, Field: "executor." + field, Message: msg}
}
