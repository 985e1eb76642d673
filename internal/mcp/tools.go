package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/service/status"
)

// Tool names.
const (
	ToolAgentStatus = "warden_agent_status"
	ToolOpenIssues  = "warden_open_issues"
	ToolBriefing    = "warden_briefing"
)

const (
	defaultIssueLimit = 20
	maxIssueLimit     = 200
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool(ToolAgentStatus,
			mcplib.WithDescription(`Current health of every registered agent.

Each agent is healthy, warning, error, deactivated or unknown (never ran).
Use state to list only agents in one state, e.g. state="error".`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("state",
				mcplib.Description("Only return agents in this state"),
				mcplib.Enum(string(model.StateHealthy), string(model.StateWarning), string(model.StateError),
					string(model.StateDeactivated), string(model.StateUnknown)),
			),
			mcplib.WithString("agent_key", mcplib.Description("Only return this agent")),
		),
		s.handleAgentStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolOpenIssues,
			mcplib.WithDescription(`Unresolved issues, most severe first.

Issues come from anomaly and correlation findings. Repeated findings bump
occurrences on the same issue instead of opening new ones. overdue=true
means the SLA deadline has passed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("severity",
				mcplib.Description("Only return issues of this severity"),
				mcplib.Enum(string(model.SeverityP1), string(model.SeverityP2), string(model.SeverityP3), string(model.SeverityP4)),
			),
			mcplib.WithString("agent_key", mcplib.Description("Only return issues for this agent")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of issues to return"),
				mcplib.Min(1),
				mcplib.Max(maxIssueLimit),
				mcplib.DefaultNumber(defaultIssueLimit),
			),
		),
		s.handleOpenIssues,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolBriefing,
			mcplib.WithDescription(`The most recent operator briefing: agent health, open and overdue
issues, anomalies and correlated findings.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("format",
				mcplib.Description("markdown for a readable report, json for the full digest"),
				mcplib.Enum("markdown", "json"),
				mcplib.DefaultString("markdown"),
			),
		),
		s.handleBriefing,
	)
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	all, err := s.statuses.All(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("agent status failed: %v", err)), nil
	}
	state := model.AgentState(request.GetString("state", ""))
	key := request.GetString("agent_key", "")

	out := make([]map[string]any, 0, len(all))
	for _, st := range all {
		if state != "" && st.State != state {
			continue
		}
		if key != "" && st.AgentKey != key {
			continue
		}
		out = append(out, compactStatus(st))
	}
	return jsonResult(map[string]any{
		"counts": status.Counts(all),
		"agents": out,
	}), nil
}

func (s *Server) handleOpenIssues(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := model.IssueFilter{
		Severity: model.Severity(request.GetString("severity", "")),
		AgentKey: request.GetString("agent_key", ""),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return errorResult(fmt.Sprintf("unknown severity %q", filter.Severity)), nil
	}
	limit := min(max(request.GetInt("limit", defaultIssueLimit), 1), maxIssueLimit)

	open, err := s.issues.ListOpen(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("open issues failed: %v", err)), nil
	}
	sortIssues(open)

	now := s.clock.Now()
	out := make([]map[string]any, 0, min(len(open), limit))
	for _, iss := range open[:min(len(open), limit)] {
		out = append(out, compactIssue(iss, now))
	}
	return jsonResult(map[string]any{
		"issues":  out,
		"total":   len(open),
		"summary": issueSummary(open, now),
	}), nil
}

func (s *Server) handleBriefing(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	d, ok, err := s.latestBriefing(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if !ok {
		return textResult("No briefing has been composed yet."), nil
	}
	if request.GetString("format", "markdown") == "json" {
		return jsonResult(d), nil
	}
	return textResult(briefing.Markdown(d)), nil
}
