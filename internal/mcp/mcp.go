// Package mcp exposes Warden's read side over the Model Context Protocol.
//
// Operator assistants get agent status, the open issue backlog and the
// latest briefing as tools and resources. Nothing here mutates state; the
// HTTP layer requires reader role before a request reaches this server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/briefing"
)

// Statuses computes agent statuses.
type Statuses interface {
	All(ctx context.Context) ([]model.AgentStatus, error)
}

// Issues lists the unresolved backlog.
type Issues interface {
	ListOpen(ctx context.Context, filter model.IssueFilter) ([]model.Issue, error)
}

// Briefings returns the most recent digest.
type Briefings interface {
	Latest(ctx context.Context) (model.Digest, error)
}

// Server wraps the mcp-go server with Warden's services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	statuses  Statuses
	issues    Issues
	briefings Briefings
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates an MCP server with all tools and resources registered.
func New(statuses Statuses, iss Issues, briefings Briefings, clk clock.Clock, logger *slog.Logger, version string) *Server {
	s := &Server{
		statuses:  statuses,
		issues:    iss,
		briefings: briefings,
		clock:     clk,
		logger:    logger,
	}
	s.mcpServer = mcpserver.NewMCPServer(
		"warden",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
	)
	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// latestBriefing returns the digest, or ok=false before the first one.
func (s *Server) latestBriefing(ctx context.Context) (model.Digest, bool, error) {
	d, err := s.briefings.Latest(ctx)
	if errors.Is(err, briefing.ErrNoBriefing) {
		return model.Digest{}, false, nil
	}
	if err != nil {
		s.logger.Warn("mcp: latest briefing failed", "error", err)
		return model.Digest{}, false, fmt.Errorf("mcp: latest briefing: %w", err)
	}
	return d, true, nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return textResult(string(data))
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: text}},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
