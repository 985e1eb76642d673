package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/holidaibutler/warden/internal/service/briefing"
)

const (
	resourceBriefing    = "warden://briefing/latest"
	resourceAgentStatus = "warden://agents/status"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			resourceBriefing,
			"Latest Briefing",
			mcplib.WithResourceDescription("The most recent operator briefing as markdown"),
			mcplib.WithMIMEType("text/markdown"),
		),
		s.handleBriefingResource,
	)
	s.mcpServer.AddResource(
		mcplib.NewResource(
			resourceAgentStatus,
			"Agent Status",
			mcplib.WithResourceDescription("Current status of every registered agent"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatusResource,
	)
}

func (s *Server) handleBriefingResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	d, ok, err := s.latestBriefing(ctx)
	if err != nil {
		return nil, err
	}
	text := "No briefing has been composed yet.\n"
	if ok {
		text = briefing.Markdown(d)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: request.Params.URI, MIMEType: "text/markdown", Text: text},
	}, nil
}

func (s *Server) handleStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	all, err := s.statuses.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent status: %w", err)
	}
	data, err := json.Marshal(all)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode status: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: request.Params.URI, MIMEType: "application/json", Text: string(data)},
	}, nil
}
