package model

import (
	"context"
	"errors"
	"testing"
)

func validTask() *Task {
	return &Task{
		ID:       "task_1",
		Source:   SourceSubagent,
		Provider: "anthropic",
		Model:    "m1",
		Priority: PriorityNormal,
		Cost:     CostEstimate{EstimatedUnits: 100, EstimatedDurationMs: 200},
		Executor: ExecutorFunc(func(ctx context.Context) (any, error) { return "ok", nil }),
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{"valid", func(*Task) {}, ""},
		{"empty source allowed", func(t *Task) { t.Source = "" }, ""},
		{"missing id", func(t *Task) { t.ID = "" }, "id"},
		{"bad source", func(t *Task) { t.Source = "cron" }, "source"},
		{"missing provider", func(t *Task) { t.Provider = "" }, "provider"},
		{"missing model", func(t *Task) { t.Model = "" }, "model"},
		{"bad priority", func(t *Task) { t.Priority = "urgent" }, "priority"},
		{"bad cost", func(t *Task) { t.Cost.EstimatedUnits = -5 }, "cost.estimated_units"},
		{"missing executor", func(t *Task) { t.Executor = nil }, "executor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := task.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ite *InvalidTaskError
			if !errors.As(err, &ite) {
				t.Fatalf("Validate() = %v, want *InvalidTaskError", err)
			}
			if ite.Field != tt.field {
				t.Errorf("Field = %q, want %q", ite.Field, tt.field)
			}
		})
	}
}

func TestTask_ModelKey(t *testing.T) {
	task := validTask()
	if got := task.ModelKey(); got != "anthropic/m1" {
		t.Errorf("ModelKey() = %q, want anthropic/m1", got)
	}
	if task.HasDeadline() {
		t.Error("zero deadline should report HasDeadline() = false")
	}
}

func TestExecutorFunc(t *testing.T) {
	f := ExecutorFunc(func(ctx context.Context) (any, error) { return 42, nil })
	v, err := f.Execute(context.Background())
	if err != nil || v != 42 {
		t.Errorf("Execute() = %v, %v; want 42, nil", v, err)
	}
}
