package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/me/dispatchq/pkg/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// stateStyle colors an entry state by how it settled.
func stateStyle(s model.EntryState) lipgloss.Style {
	switch s {
	case model.EntryStateCompleted:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	case model.EntryStateFailed, model.EntryStateTimedOut:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	case model.EntryStateAborted, model.EntryStateCancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#E0A030"))
	case model.EntryStateRunning:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	default:
		return lipgloss.NewStyle()
	}
}

// field renders one "label: value" line.
func field(label string, value any) string {
	return labelStyle.Render(fmt.Sprintf("%-12s", label+":")) + " " + fmt.Sprint(value)
}

// duration rounds d for display.
func duration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Microsecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

// ago renders t relative to now, or "-" when unset.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// printStatus writes a task status block.
func printStatus(w io.Writer, st model.TaskStatus) {
	lines := []string{
		headerStyle.Render("Task " + st.TaskID),
		field("State", stateStyle(st.State).Render(string(st.State))),
	}
	if res := st.Result; res != nil {
		lines = append(lines,
			field("Waited", duration(res.Waited)),
			field("Execution", duration(res.Execution)),
		)
		if res.TimedOut {
			lines = append(lines, field("Timed out", "yes"))
		}
		if res.Aborted {
			lines = append(lines, field("Aborted", "yes"))
		}
		if res.Error != "" {
			lines = append(lines, field("Error", res.Error))
		}
		if res.Result != nil {
			lines = append(lines, field("Result", fmt.Sprintf("%v", res.Result)))
		}
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
