package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/dispatchq/internal/config"
	"github.com/me/dispatchq/internal/scheduler"
	"github.com/me/dispatchq/internal/server"
	"github.com/me/dispatchq/internal/store"
)

// startTestServer starts a server backed by a running scheduler and an
// in-memory SQLite store and returns the URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}

	cfg := config.DefaultSchedulerConfig()
	cfg.TickInterval = 10 * time.Millisecond
	loop, err := scheduler.NewLoop(cfg, scheduler.WithLogger(srvLogger), scheduler.WithRecorder(st))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Start(ctx)

	srv := server.New(config.DefaultServerConfig(), loop, srvLogger, server.WithStore(st))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		loop.Stop()
		st.Close()
	})
	return ts.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

func TestSubmitCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url,
		"submit", "--id", "t1", "--provider", "openai", "--model", "gpt", "--sleep", "1ms")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Task submitted: t1 (QUEUED)") {
		t.Errorf("expected submission line in output, got: %s", output)
	}
}

func TestSubmitCommand_Wait(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url,
		"submit", "--id", "t1", "--provider", "openai", "--model", "gpt",
		"--priority", "high", "--sleep", "1ms", "--wait")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Task t1") {
		t.Errorf("expected task header in output, got: %s", output)
	}
	if !strings.Contains(output, "COMPLETED") {
		t.Errorf("expected COMPLETED in output, got: %s", output)
	}
}

func TestSubmitCommand_ScriptInput(t *testing.T) {
	url := startTestServer(t)

	input := filepath.Join(t.TempDir(), "input.yml")
	if err := os.WriteFile(input, []byte("x: 21\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	output, err := runCLI(t, "--server", url,
		"submit", "--id", "t1", "--provider", "anthropic", "--model", "sonnet",
		"--kind", "script", "--script", "input.x * 2", "--input", input, "--wait")
	if err != nil {
		t.Fatalf("submit error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "42") {
		t.Errorf("expected script result 42 in output, got: %s", output)
	}
}

func TestSubmitCommand_MissingModel(t *testing.T) {
	url := startTestServer(t)

	_, err := runCLI(t, "--server", url, "submit", "--provider", "openai", "--sleep", "1ms")
	if err == nil {
		t.Fatal("expected error for missing --model")
	}
}

func TestSubmitCommand_InvalidExecutor(t *testing.T) {
	url := startTestServer(t)

	_, err := runCLI(t, "--server", url,
		"submit", "--provider", "openai", "--model", "gpt", "--sleep", "soon")
	if err == nil {
		t.Fatal("expected error for malformed sleep duration")
	}
	if !strings.Contains(err.Error(), "submit task") {
		t.Errorf("error = %v, want submit task prefix", err)
	}
}

func TestStatusCommand(t *testing.T) {
	url := startTestServer(t)
	if _, err := runCLI(t, "--server", url,
		"submit", "--id", "t1", "--provider", "openai", "--model", "gpt", "--sleep", "1ms", "--wait"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	output, err := runCLI(t, "--server", url, "status", "t1")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(output, "t1") {
		t.Errorf("expected task ID in output, got: %s", output)
	}
	if !strings.Contains(output, "COMPLETED") {
		t.Errorf("expected COMPLETED state in output, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	url := startTestServer(t)

	_, err := runCLI(t, "--server", url, "status", "missing")
	if err == nil {
		t.Fatal("expected error for unknown task")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestCancelCommand(t *testing.T) {
	url := startTestServer(t)
	if _, err := runCLI(t, "--server", url,
		"submit", "--id", "t1", "--provider", "openai", "--model", "gpt", "--sleep", "1m"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	output, err := runCLI(t, "--server", url, "cancel", "t1")
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	// The task is either still queued or already running when the abort lands.
	if !strings.Contains(output, "ABORTED") && !strings.Contains(output, "CANCELLED") {
		t.Errorf("expected ABORTED or CANCELLED in output, got: %s", output)
	}
}

func TestQueueCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url, "queue")
	if err != nil {
		t.Fatalf("queue error: %v", err)
	}
	if !strings.Contains(output, "Queue is empty.") {
		t.Errorf("expected empty queue message, got: %s", output)
	}

	if _, err := runCLI(t, "--server", url,
		"submit", "--id", "long", "--provider", "openai", "--model", "gpt", "--sleep", "1m"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	output, err = runCLI(t, "--server", url, "queue")
	if err != nil {
		t.Fatalf("queue error: %v", err)
	}
	if !strings.Contains(output, "PRIORITY") {
		t.Errorf("expected table header in output, got: %s", output)
	}
	if !strings.Contains(output, "long") || !strings.Contains(output, "openai/gpt") {
		t.Errorf("expected entry row in output, got: %s", output)
	}

	if _, err := runCLI(t, "--server", url, "cancel", "long"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestStatsCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url, "stats")
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	for _, want := range []string{"Queue", "Capacity", "critical", "background", "0/"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestResultsCommand(t *testing.T) {
	url := startTestServer(t)

	output, err := runCLI(t, "--server", url, "results")
	if err != nil {
		t.Fatalf("results error: %v", err)
	}
	if !strings.Contains(output, "No results found.") {
		t.Errorf("expected empty history message, got: %s", output)
	}

	if _, err := runCLI(t, "--server", url,
		"submit", "--id", "done", "--provider", "openai", "--model", "gpt", "--sleep", "1ms", "--wait"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The record is written just before the handle resolves; allow for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		output, err = runCLI(t, "--server", url, "results", "--provider", "openai")
		if err != nil {
			t.Fatalf("results error: %v", err)
		}
		if strings.Contains(output, "done") || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(output, "done") || !strings.Contains(output, "COMPLETED") {
		t.Errorf("expected finished task in output, got: %s", output)
	}
}
