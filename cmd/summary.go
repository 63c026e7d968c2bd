package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hwgrade/hwgrade/internal/utils"
	"github.com/hwgrade/hwgrade/pkg/grading"
)

var (
	summaryTitle = lipgloss.NewStyle().Bold(true)
	summaryBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// renderSummary prints the per-state counts of a walk and one line per
// failed row.
func renderSummary(rep *grading.Report) string {
	var b strings.Builder
	b.WriteString(summaryTitle.Render("Grading summary"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "rows seen:  %d\n", rep.Processed.Len())
	fmt.Fprintf(&b, "graded:     %s\n", okStyle.Render(fmt.Sprint(rep.Graded())))
	fmt.Fprintf(&b, "skipped:    %d\n", rep.Count(grading.Skipped))
	fmt.Fprintf(&b, "failed:     %s\n", failStyle.Render(fmt.Sprint(rep.Count(grading.Failed))))
	fmt.Fprintf(&b, "iterations: %d", rep.Iterations)
	if !rep.Exhausted {
		b.WriteString("\n")
		b.WriteString(warnStyle.Render("stopped before the bottom of the grid"))
	}

	failures := rep.Failures()
	if len(failures) > 0 {
		b.WriteString("\n")
		for _, o := range failures {
			fmt.Fprintf(&b, "\n  row %d at %s: %s", o.Index+1, o.FailedAt, utils.Truncate(errText(o.Err), 80))
		}
	}
	return summaryBox.Render(b.String())
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
