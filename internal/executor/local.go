package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/me/dispatchq/pkg/model"
)

// LocalFactory builds executors that run local OS processes.
type LocalFactory struct {
	logger  *slog.Logger
	workDir string
}

// NewLocalFactory creates a LocalFactory whose commands run in workDir.
// If workDir is empty, os.TempDir() is used.
func NewLocalFactory(workDir string, logger *slog.Logger) *LocalFactory {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &LocalFactory{
		workDir: workDir,
		logger:  logger.With("component", "local-executor"),
	}
}

// Kind returns KindCommand.
func (f *LocalFactory) Kind() string {
	return KindCommand
}

// Build returns an executor for spec.Command. When spec.Input is set it is
// written to the process's stdin as JSON.
func (f *LocalFactory) Build(taskID string, spec model.ExecutorSpec) (model.Executor, error) {
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		return nil, specError(taskID, "command", "required")
	}
	var stdin []byte
	if spec.Input != nil {
		b, err := json.Marshal(spec.Input)
		if err != nil {
			return nil, specError(taskID, "input", err.Error())
		}
		stdin = b
	}
	argv := append([]string(nil), spec.Command...)
	return model.ExecutorFunc(func(ctx context.Context) (any, error) {
		return f.run(ctx, taskID, argv, stdin)
	}), nil
}

// CommandResult is what a command executor returns on success.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func (f *LocalFactory) run(ctx context.Context, taskID string, argv []string, stdin []byte) (any, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = f.workDir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	res := CommandResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}

	switch err := runErr.(type) {
	case nil:
	case *exec.ExitError:
		res.ExitCode = err.ExitCode()
	default:
		// Non-exit errors (e.g. binary not found) are returned directly.
		return nil, fmt.Errorf("task %s: run command: %w", taskID, runErr)
	}

	f.logger.Debug("command finished",
		"task_id", taskID,
		"command", argv[0],
		"exit_code", res.ExitCode,
	)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "no stderr"
		}
		return nil, fmt.Errorf("task %s: exit code %d: %s", taskID, res.ExitCode, msg)
	}
	return res, nil
}
