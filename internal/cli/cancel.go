package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/dispatchq/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Abort a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Delete("/api/v1/tasks/" + url.PathEscape(id))
			if err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}

			var status model.TaskStatus
			if err := resp.decode(&status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s: %s\n", id, stateStyle(status.State).Render(string(status.State)))
			return nil
		},
	}
}
