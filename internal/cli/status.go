package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/dispatchq/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show the state and result of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/tasks/" + url.PathEscape(args[0]))
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}

			var status model.TaskStatus
			if err := resp.decode(&status); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}
