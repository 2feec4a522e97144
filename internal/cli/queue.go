package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/dispatchq/pkg/model"
)

const queueRowFormat = "%-40s  %-10s  %-10s  %-28s  %5s  %-10s"

func newQueueCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued entries in dispatch order, then running entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			resp, err := client.Get("/api/v1/queue?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list queue: %w", err)
			}

			var entries []model.EntrySnapshot
			if err := resp.decode(&entries); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty.")
				return nil
			}

			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf(queueRowFormat, "ID", "STATE", "PRIORITY", "MODEL", "SKIPS", "WAITED")))
			for _, e := range entries {
				state := fmt.Sprintf("%-10s", e.State)
				fmt.Fprintf(out, "%-40s  %s  %-10s  %-28s  %5d  %-10s\n",
					e.TaskID, stateStyle(e.State).Render(state), e.Priority, e.Provider+"/"+e.Model, e.SkipCount, duration(e.Waited))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(entries), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to show")
	return cmd
}
