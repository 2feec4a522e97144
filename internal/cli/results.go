package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/dispatchq/pkg/model"
)

const resultRowFormat = "%-40s  %-10s  %-10s  %-28s  %-10s  %s"

func newResultsCmd() *cobra.Command {
	var (
		limit    int
		provider string
		outcome  string
	)

	cmd := &cobra.Command{
		Use:   "results",
		Short: "List finished tasks from the result history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if provider != "" {
				q.Set("provider", provider)
			}
			if outcome != "" {
				q.Set("outcome", outcome)
			}

			resp, err := client.Get("/api/v1/results?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list results: %w", err)
			}

			var records []model.TaskRecord
			if err := resp.decode(&records); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}

			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf(resultRowFormat, "ID", "OUTCOME", "PRIORITY", "MODEL", "EXECUTION", "COMPLETED")))
			for _, r := range records {
				state := fmt.Sprintf("%-10s", r.Outcome)
				fmt.Fprintf(out, "%-40s  %s  %-10s  %-28s  %-10s  %s\n",
					r.TaskID, stateStyle(r.Outcome).Render(state), r.Priority, r.Provider+"/"+r.Model, duration(r.Execution), ago(r.CompletedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(records), resp.Pagination.Total)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&limit, "limit", 20, "Maximum number of results to show")
	f.StringVar(&provider, "provider", "", "Only show tasks for this provider")
	f.StringVar(&outcome, "outcome", "", "Only show tasks with this outcome (e.g. COMPLETED, FAILED)")
	return cmd
}
