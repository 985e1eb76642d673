package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/testutil"
)

var testNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeStatuses struct {
	all []model.AgentStatus
	err error
}

func (f fakeStatuses) All(context.Context) ([]model.AgentStatus, error) { return f.all, f.err }

type fakeIssues struct {
	open []model.Issue
	last model.IssueFilter
}

func (f *fakeIssues) ListOpen(_ context.Context, filter model.IssueFilter) ([]model.Issue, error) {
	f.last = filter
	var out []model.Issue
	for _, iss := range f.open {
		if filter.Severity != "" && iss.Severity != filter.Severity {
			continue
		}
		if filter.AgentKey != "" && iss.AgentKey != filter.AgentKey {
			continue
		}
		out = append(out, iss)
	}
	return out, nil
}

type fakeBriefings struct {
	digest *model.Digest
	err    error
}

func (f fakeBriefings) Latest(context.Context) (model.Digest, error) {
	if f.err != nil {
		return model.Digest{}, f.err
	}
	if f.digest == nil {
		return model.Digest{}, briefing.ErrNoBriefing
	}
	return *f.digest, nil
}

func newTestServer(st Statuses, iss Issues, b Briefings) *Server {
	return New(st, iss, b, clock.NewFake(testNow), testutil.TestLogger(), "test")
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{Params: mcplib.CallToolParams{Name: name, Arguments: args}}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func sampleStatuses() []model.AgentStatus {
	ok := model.RunStatusSuccess
	ran := testNow.Add(-time.Hour)
	return []model.AgentStatus{
		{AgentKey: "content-curator", State: model.StateHealthy, LastRunAt: &ran, LastRunStatus: &ok},
		{AgentKey: "security-reviewer", State: model.StateError, Reason: "last run failed"},
		{AgentKey: "backup-checker", State: model.StateUnknown},
	}
}

func sampleIssues() []model.Issue {
	return []model.Issue{
		{
			ID: uuid.New(), Severity: model.SeverityP3, Status: model.IssueOpen, AgentKey: "content-curator",
			Title: "older p3", OpenedAt: testNow.Add(-48 * time.Hour), SLADeadline: testNow.Add(24 * time.Hour), Occurrences: 1,
		},
		{
			ID: uuid.New(), Severity: model.SeverityP1, Status: model.IssueAcknowledged, AgentKey: "security-reviewer",
			Title: "p1 overdue", OpenedAt: testNow.Add(-10 * time.Hour), SLADeadline: testNow.Add(-6 * time.Hour), Occurrences: 4,
		},
		{
			ID: uuid.New(), Severity: model.SeverityP3, Status: model.IssueOpen, AgentKey: "security-reviewer",
			Title: "newer p3", OpenedAt: testNow.Add(-time.Hour), SLADeadline: testNow.Add(71 * time.Hour), Occurrences: 2,
		},
	}
}

func TestHandleAgentStatus(t *testing.T) {
	s := newTestServer(fakeStatuses{all: sampleStatuses()}, &fakeIssues{}, fakeBriefings{})

	res, err := s.handleAgentStatus(context.Background(), callTool(ToolAgentStatus, nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Counts map[string]int   `json:"counts"`
		Agents []map[string]any `json:"agents"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Len(t, out.Agents, 3)
	assert.Equal(t, 1, out.Counts["healthy"])
	assert.Equal(t, 1, out.Counts["error"])
	assert.Equal(t, 1, out.Counts["unknown"])
}

func TestHandleAgentStatusFilters(t *testing.T) {
	s := newTestServer(fakeStatuses{all: sampleStatuses()}, &fakeIssues{}, fakeBriefings{})

	res, err := s.handleAgentStatus(context.Background(), callTool(ToolAgentStatus, map[string]any{"state": "error"}))
	require.NoError(t, err)
	var out struct {
		Counts map[string]int   `json:"counts"`
		Agents []map[string]any `json:"agents"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out.Agents, 1)
	assert.Equal(t, "security-reviewer", out.Agents[0]["agent_key"])
	assert.Equal(t, "last run failed", out.Agents[0]["reason"])
	// Counts always cover the whole fleet.
	assert.Equal(t, 1, out.Counts["healthy"])

	res, err = s.handleAgentStatus(context.Background(), callTool(ToolAgentStatus, map[string]any{"agent_key": "content-curator"}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out.Agents, 1)
	assert.Equal(t, "success", out.Agents[0]["last_run_status"])
}

func TestHandleAgentStatusError(t *testing.T) {
	s := newTestServer(fakeStatuses{err: errors.New("db down")}, &fakeIssues{}, fakeBriefings{})
	res, err := s.handleAgentStatus(context.Background(), callTool(ToolAgentStatus, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "db down")
}

func TestHandleOpenIssuesOrderingAndOverdue(t *testing.T) {
	iss := &fakeIssues{open: sampleIssues()}
	s := newTestServer(fakeStatuses{}, iss, fakeBriefings{})

	res, err := s.handleOpenIssues(context.Background(), callTool(ToolOpenIssues, nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Issues  []map[string]any `json:"issues"`
		Total   int              `json:"total"`
		Summary string           `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out.Issues, 3)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, "p1 overdue", out.Issues[0]["title"])
	assert.Equal(t, true, out.Issues[0]["overdue"])
	assert.Equal(t, "older p3", out.Issues[1]["title"])
	assert.Equal(t, "newer p3", out.Issues[2]["title"])
	assert.Equal(t, false, out.Issues[2]["overdue"])
	assert.Equal(t, "3 open (1 P1, 2 P3), 1 overdue", out.Summary)
}

func TestHandleOpenIssuesFilterAndLimit(t *testing.T) {
	iss := &fakeIssues{open: sampleIssues()}
	s := newTestServer(fakeStatuses{}, iss, fakeBriefings{})

	res, err := s.handleOpenIssues(context.Background(), callTool(ToolOpenIssues, map[string]any{
		"severity": "P3",
		"limit":    float64(1),
	}))
	require.NoError(t, err)
	assert.Equal(t, model.SeverityP3, iss.last.Severity)

	var out struct {
		Issues []map[string]any `json:"issues"`
		Total  int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Len(t, out.Issues, 1)
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, "older p3", out.Issues[0]["title"])
}

func TestHandleOpenIssuesRejectsBadSeverity(t *testing.T) {
	s := newTestServer(fakeStatuses{}, &fakeIssues{}, fakeBriefings{})
	res, err := s.handleOpenIssues(context.Background(), callTool(ToolOpenIssues, map[string]any{"severity": "P9"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleOpenIssuesEmpty(t *testing.T) {
	s := newTestServer(fakeStatuses{}, &fakeIssues{}, fakeBriefings{})
	res, err := s.handleOpenIssues(context.Background(), callTool(ToolOpenIssues, nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "No open issues.")
}

func TestHandleBriefingBeforeFirstDigest(t *testing.T) {
	s := newTestServer(fakeStatuses{}, &fakeIssues{}, fakeBriefings{})
	res, err := s.handleBriefing(context.Background(), callTool(ToolBriefing, nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "No briefing has been composed yet.", resultText(t, res))
}

func TestHandleBriefingFormats(t *testing.T) {
	d := model.Digest{
		ID:            uuid.New(),
		GeneratedAt:   testNow,
		Urgent:        true,
		UrgentReasons: []string{"1 agent in error"},
		Counts:        model.StateCounts{model.StateError: 1},
		Statuses:      []model.AgentStatus{{AgentKey: "security-reviewer", State: model.StateError}},
	}
	s := newTestServer(fakeStatuses{}, &fakeIssues{}, fakeBriefings{digest: &d})

	res, err := s.handleBriefing(context.Background(), callTool(ToolBriefing, nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "# Warden briefing")
	assert.Contains(t, text, "**URGENT:** 1 agent in error")

	res, err = s.handleBriefing(context.Background(), callTool(ToolBriefing, map[string]any{"format": "json"}))
	require.NoError(t, err)
	var got model.Digest
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	assert.Equal(t, d.ID, got.ID)
	assert.True(t, got.Urgent)
}

func TestHandleBriefingStoreError(t *testing.T) {
	s := newTestServer(fakeStatuses{}, &fakeIssues{}, fakeBriefings{err: errors.New("timeout")})
	res, err := s.handleBriefing(context.Background(), callTool(ToolBriefing, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestResources(t *testing.T) {
	d := model.Digest{ID: uuid.New(), GeneratedAt: testNow}
	s := newTestServer(fakeStatuses{all: sampleStatuses()}, &fakeIssues{}, fakeBriefings{digest: &d})

	var req mcplib.ReadResourceRequest
	req.Params.URI = resourceBriefing
	contents, err := s.handleBriefingResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "text/markdown", text.MIMEType)
	assert.Contains(t, text.Text, "# Warden briefing")

	req.Params.URI = resourceAgentStatus
	contents, err = s.handleStatusResource(context.Background(), req)
	require.NoError(t, err)
	text, ok = contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var statuses []model.AgentStatus
	require.NoError(t, json.Unmarshal([]byte(text.Text), &statuses))
	assert.Len(t, statuses, 3)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd...", truncate("abcdefghij", 7))
}
