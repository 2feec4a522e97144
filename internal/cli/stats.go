package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/dispatchq/pkg/model"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics and capacity utilization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/stats")
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			var stats model.QueueStats
			if err := resp.decode(&stats); err != nil {
				return err
			}

			resp, err = client.Get("/api/v1/utilization")
			if err != nil {
				return fmt.Errorf("get utilization: %w", err)
			}
			var util model.Utilization
			if err := resp.decode(&util); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), lipgloss.JoinHorizontal(lipgloss.Top,
				boxStyle.Render(renderQueueStats(stats)),
				boxStyle.Render(renderUtilization(util)),
			))
			return nil
		},
	}
}

func renderQueueStats(s model.QueueStats) string {
	lines := []string{
		headerStyle.Render("Queue"),
		field("Queued", humanize.Comma(int64(s.TotalQueued))),
		field("Running", humanize.Comma(int64(s.ActiveExecutions))),
		field("Starving", s.Starving),
		field("Avg wait", duration(s.AverageWait)),
		field("Max wait", duration(s.MaxWait)),
	}

	// Highest tier first.
	for i := len(model.Priorities) - 1; i >= 0; i-- {
		p := model.Priorities[i]
		line := field(string(p), s.ByPriority[p])
		if w, ok := s.DispatchWaits[p]; ok && w.Count > 0 {
			line += labelStyle.Render(fmt.Sprintf("  (%s dispatched, avg %s)", humanize.Comma(int64(w.Count)), duration(w.AverageWait)))
		}
		lines = append(lines, line)
	}

	if len(s.ByProvider) > 0 {
		lines = append(lines, "", headerStyle.Render("Providers"))
		providers := make([]string, 0, len(s.ByProvider))
		for p := range s.ByProvider {
			providers = append(providers, p)
		}
		slices.Sort(providers)
		for _, p := range providers {
			lines = append(lines, field(p, s.ByProvider[p]))
		}
	}
	return strings.Join(lines, "\n")
}

func renderUtilization(u model.Utilization) string {
	lines := []string{
		headerStyle.Render("Capacity"),
		field("Global", fmt.Sprintf("%d/%d (%.0f%%)", u.Active, u.Max, u.Ratio*100)),
	}
	keys := make([]string, 0, len(u.PerModel))
	for k := range u.PerModel {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		m := u.PerModel[k]
		lines = append(lines, fmt.Sprintf("%s %d/%d (%.0f%%)", labelStyle.Render(k+":"), m.Active, m.Max, m.Ratio*100))
	}
	return strings.Join(lines, "\n")
}
