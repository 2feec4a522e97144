package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/dispatchq/pkg/model"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// DockerFactory builds executors that run tasks inside Docker containers
// using the Docker CLI. Each task gets <workDir>/<taskID> mounted at /work.
type DockerFactory struct {
	logger  *slog.Logger
	workDir string
	runner  CommandRunner
}

// NewDockerFactory creates a DockerFactory rooted at workDir.
// If workDir is empty, os.TempDir() is used.
func NewDockerFactory(workDir string, logger *slog.Logger) *DockerFactory {
	return newDockerFactoryWithRunner(workDir, logger, &osCommandRunner{})
}

// newDockerFactoryWithRunner is used by tests to inject a mock CommandRunner.
func newDockerFactoryWithRunner(workDir string, logger *slog.Logger, runner CommandRunner) *DockerFactory {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &DockerFactory{
		workDir: workDir,
		logger:  logger.With("component", "docker-executor"),
		runner:  runner,
	}
}

// Kind returns KindContainer.
func (f *DockerFactory) Kind() string {
	return KindContainer
}

// Build returns an executor that runs spec.Command in spec.Image. When
// spec.Input is set it is piped to the container's stdin as JSON.
func (f *DockerFactory) Build(taskID string, spec model.ExecutorSpec) (model.Executor, error) {
	if spec.Image == "" {
		return nil, specError(taskID, "image", "required")
	}
	var stdin []byte
	if spec.Input != nil {
		b, err := json.Marshal(spec.Input)
		if err != nil {
			return nil, specError(taskID, "input", err.Error())
		}
		stdin = b
	}
	image := spec.Image
	command := append([]string(nil), spec.Command...)
	return model.ExecutorFunc(func(ctx context.Context) (any, error) {
		return f.run(ctx, taskID, image, command, stdin)
	}), nil
}

// containerName derives a Docker-safe container name from a task ID.
func containerName(taskID string) string {
	var b strings.Builder
	b.WriteString("dispatchq-")
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (f *DockerFactory) run(ctx context.Context, taskID, image string, command []string, stdin []byte) (any, error) {
	name := containerName(taskID)
	taskDir := filepath.Join(f.workDir, strings.TrimPrefix(name, "dispatchq-"))
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("task %s: create work dir: %w", taskID, err)
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", taskDir + ":/work",
		"-w", "/work",
	}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, image)
	args = append(args, command...)

	stdout, stderr, exitCode, runErr := f.runner.Run(ctx, stdin, "docker", args...)

	if ctx.Err() != nil {
		// Killing the CLI leaves the container running.
		f.remove(name)
		return nil, ctx.Err()
	}
	if runErr != nil {
		return nil, fmt.Errorf("task %s: docker run: %w", taskID, runErr)
	}

	f.logger.Debug("container finished",
		"task_id", taskID,
		"image", image,
		"command", command,
		"exit_code", exitCode,
	)

	res := CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "no stderr"
		}
		return nil, fmt.Errorf("task %s: exit code %d: %s", taskID, exitCode, msg)
	}
	return res, nil
}

func (f *DockerFactory) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, stderr, code, err := f.runner.Run(ctx, nil, "docker", "rm", "-f", name); err != nil || code != 0 {
		f.logger.Warn("container cleanup failed", "container", name, "exit_code", code, "stderr", stderr, "error", err)
	}
}
