package mcp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/holidaibutler/warden/internal/model"
)

// maxCompactNarrative bounds narratives in tool output.
const maxCompactNarrative = 240

// compactStatus drops fields assistants don't act on.
func compactStatus(st model.AgentStatus) map[string]any {
	m := map[string]any{
		"agent_key": st.AgentKey,
		"state":     st.State,
	}
	if st.LastRunAt != nil {
		m["last_run_at"] = st.LastRunAt
	}
	if st.LastRunStatus != nil {
		m["last_run_status"] = *st.LastRunStatus
	}
	if st.Reason != "" {
		m["reason"] = st.Reason
	}
	return m
}

func compactIssue(iss model.Issue, now time.Time) map[string]any {
	m := map[string]any{
		"id":           iss.ID,
		"severity":     iss.Severity,
		"status":       iss.Status,
		"title":        iss.Title,
		"narrative":    truncate(iss.Narrative, maxCompactNarrative),
		"occurrences":  iss.Occurrences,
		"opened_at":    iss.OpenedAt,
		"sla_deadline": iss.SLADeadline,
		"overdue":      iss.Overdue(now),
	}
	if iss.AgentKey != "" {
		m["agent_key"] = iss.AgentKey
	}
	if len(iss.AgentKeys) > 1 {
		m["agent_keys"] = iss.AgentKeys
	}
	return m
}

// sortIssues orders by severity, then oldest first.
func sortIssues(issues []model.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity != b.Severity {
			return a.Severity.MoreSevere(b.Severity)
		}
		return a.OpenedAt.Before(b.OpenedAt)
	})
}

// issueSummary is a one-line overview such as "3 open (1 P1, 2 P3), 1 overdue".
func issueSummary(issues []model.Issue, now time.Time) string {
	if len(issues) == 0 {
		return "No open issues."
	}
	bySev := map[model.Severity]int{}
	overdue := 0
	for _, iss := range issues {
		bySev[iss.Severity]++
		if iss.Overdue(now) {
			overdue++
		}
	}
	var parts []string
	for _, sev := range model.Severities {
		if n := bySev[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	out := fmt.Sprintf("%d open (%s)", len(issues), strings.Join(parts, ", "))
	if overdue > 0 {
		out += fmt.Sprintf(", %d overdue", overdue)
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
