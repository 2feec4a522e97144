package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/me/dispatchq/pkg/model"
)

// ScriptFactory builds executors that evaluate JavaScript with goja. The
// spec's input map is bound as the global `input`; the value of the last
// expression is the task result.
type ScriptFactory struct {
	logger *slog.Logger
}

// NewScriptFactory creates a ScriptFactory.
func NewScriptFactory(logger *slog.Logger) *ScriptFactory {
	return &ScriptFactory{logger: logger.With("component", "script-executor")}
}

// Kind returns KindScript.
func (f *ScriptFactory) Kind() string {
	return KindScript
}

// Build compiles spec.Script up front so syntax errors fail at submission.
func (f *ScriptFactory) Build(taskID string, spec model.ExecutorSpec) (model.Executor, error) {
	if spec.Script == "" {
		return nil, specError(taskID, "script", "required")
	}
	prog, err := goja.Compile(taskID, spec.Script, false)
	if err != nil {
		return nil, specError(taskID, "script", err.Error())
	}
	input := spec.Input
	if input == nil {
		input = map[string]any{}
	}
	return model.ExecutorFunc(func(ctx context.Context) (any, error) {
		return f.run(ctx, taskID, prog, input)
	}), nil
}

func (f *ScriptFactory) run(ctx context.Context, taskID string, prog *goja.Program, input map[string]any) (any, error) {
	vm := goja.New()
	if err := vm.Set("input", input); err != nil {
		return nil, fmt.Errorf("task %s: set input: %w", taskID, err)
	}

	// Scripts cannot observe ctx themselves; interrupt the VM instead.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	val, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
		}
		return nil, fmt.Errorf("task %s: script: %w", taskID, err)
	}

	f.logger.Debug("script finished", "task_id", taskID)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}
