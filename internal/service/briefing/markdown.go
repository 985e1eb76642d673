package briefing

import (
	"fmt"
	"strings"
	"time"

	"github.com/holidaibutler/warden/internal/model"
)

var stateOrder = []model.AgentState{
	model.StateHealthy, model.StateWarning, model.StateError, model.StateDeactivated, model.StateUnknown,
}

// Markdown renders a digest as a human-readable report.
func Markdown(d model.Digest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Warden briefing %s\n\n", d.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
	if d.Urgent {
		fmt.Fprintf(&b, "**URGENT:** %s\n\n", strings.Join(d.UrgentReasons, "; "))
	}

	b.WriteString("## Agents\n\n")
	parts := make([]string, 0, len(stateOrder))
	for _, s := range stateOrder {
		if n := d.Counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		b.WriteString("No agents registered.\n\n")
	} else {
		b.WriteString(strings.Join(parts, ", ") + "\n\n")
	}
	for _, st := range d.Statuses {
		if st.State == model.StateHealthy {
			continue
		}
		line := fmt.Sprintf("- `%s` %s", st.AgentKey, st.State)
		if st.Reason != "" {
			line += ": " + st.Reason
		}
		b.WriteString(line + "\n")
	}

	section(&b, "Open issues", len(d.OpenIssues))
	for _, i := range d.OpenIssues {
		due := "due " + i.SLADeadline.UTC().Format(time.DateOnly)
		if i.Overdue(d.GeneratedAt) {
			due = "**overdue**"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, seen %dx, %s)\n", i.Severity, i.Title, i.Status, i.Occurrences, due)
	}

	section(&b, "Anomalies", len(d.Anomalies))
	for _, f := range d.Anomalies {
		fmt.Fprintf(&b, "- [%s] `%s` %s (%s, %.1fσ)\n", f.Severity, f.AgentKey, f.Narrative, f.Label, f.Deviation)
	}
	if len(d.Improvements) > 0 {
		section(&b, "Improvements", len(d.Improvements))
		for _, f := range d.Improvements {
			fmt.Fprintf(&b, "- `%s` %s (%s)\n", f.AgentKey, f.Narrative, f.Label)
		}
	}

	section(&b, "Correlations", len(d.Correlations))
	for _, f := range d.Correlations {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Severity, f.Title, f.Narrative)
	}

	if len(d.Destinations) > 0 {
		b.WriteString("\n## Destinations\n\n| destination | success | failed | skipped | agents |\n|---|---|---|---|---|\n")
		for _, s := range d.Destinations {
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d |\n", s.Destination, s.Success, s.Failed, s.Skipped, s.Agents)
		}
	}
	return b.String()
}

func section(b *strings.Builder, title string, n int) {
	fmt.Fprintf(b, "\n## %s (%d)\n\n", title, n)
	if n == 0 {
		b.WriteString("None.\n")
	}
}
