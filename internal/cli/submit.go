package cli

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/dispatchq/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var (
		id        string
		provider  string
		modelName string
		priority  string
		source    string
		units     float64
		estimate  time.Duration
		deadline  time.Duration
		kind      string
		image     string
		command   []string
		script    string
		sleep     string
		inputFile string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to the scheduler",
		Long: "Submit a task for a provider/model pair. The executor is chosen with --kind and\n" +
			"configured by --command, --image, --script or --sleep. --input supplies a YAML or JSON payload.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.SubmitTaskRequest{
				ID:       id,
				Source:   model.Source(source),
				Provider: provider,
				Model:    modelName,
				Priority: model.Priority(priority),
				Cost: model.CostEstimate{
					EstimatedUnits:      units,
					EstimatedDurationMs: float64(estimate.Milliseconds()),
				},
				DeadlineMs: deadline.Milliseconds(),
				Executor: model.ExecutorSpec{
					Kind:    kind,
					Image:   image,
					Command: command,
					Script:  script,
					Sleep:   sleep,
				},
			}

			if inputFile != "" {
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				if err := yaml.Unmarshal(data, &req.Executor.Input); err != nil {
					return fmt.Errorf("parse input: %w", err)
				}
				logger.Debug("parsed input", "keys", len(req.Executor.Input))
			}

			path := "/api/v1/tasks/"
			if wait {
				path += "?" + url.Values{"wait": {"true"}}.Encode()
			}
			resp, err := client.Post(path, req)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}

			var status model.TaskStatus
			if err := resp.decode(&status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if status.Result == nil {
				fmt.Fprintf(out, "Task submitted: %s (%s)\n", status.TaskID, status.State)
				return nil
			}
			printStatus(out, status)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&id, "id", "", "Task ID (generated by the server if empty)")
	f.StringVar(&provider, "provider", "", "Provider name (required)")
	f.StringVar(&modelName, "model", "", "Model name (required)")
	f.StringVar(&priority, "priority", string(model.PriorityNormal), "Priority: critical, high, normal, low, background")
	f.StringVar(&source, "source", "", "Origin of the task: subagent, agent_team, parallel, loop, api")
	f.Float64Var(&units, "units", 0, "Estimated cost in provider units")
	f.DurationVar(&estimate, "duration", 0, "Estimated execution duration")
	f.DurationVar(&deadline, "deadline", 0, "Deadline relative to submission (0 for none)")
	f.StringVar(&kind, "kind", "sleep", "Executor kind: command, container, script, sleep")
	f.StringVar(&image, "image", "", "Image for the container executor")
	f.StringSliceVar(&command, "command", nil, "Command and arguments for the command executor")
	f.StringVar(&script, "script", "", "JavaScript body for the script executor")
	f.StringVar(&sleep, "sleep", "", "Duration for the sleep executor")
	f.StringVarP(&inputFile, "input", "i", "", "YAML or JSON file passed to the executor as input")
	f.BoolVar(&wait, "wait", false, "Block until the task settles and print its result")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}
