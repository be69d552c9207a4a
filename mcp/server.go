// Package mcp provides MCP (Model Context Protocol) tool adapters for
// driftsync, so agent frameworks can trigger syncs and work the conflict
// review queue over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucentapps/driftsync"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with driftsync tools.
type Server struct {
	client    *driftsync.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with driftsync tools registered.
func NewServer(client *driftsync.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"driftsync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "driftsync_sync", Description: "Run a sync cycle against LedgerHub (full, push-only, pull-only, or one entity type)"},
		{Name: "driftsync_status", Description: "Report queue depth, pending record counts, failed items and conflict backlog"},
		{Name: "driftsync_conflicts", Description: "List conflicts awaiting human review with both sides of each disputed field"},
		{Name: "driftsync_resolve", Description: "Close a pending conflict by keeping local, keeping remote, or applying a merged payload"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "driftsync_sync":
		return s.handleSync(ctx, args)
	case "driftsync_status":
		return s.handleStatus(ctx, args)
	case "driftsync_conflicts":
		return s.handleConflicts(ctx, args)
	case "driftsync_resolve":
		return s.handleResolve(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("driftsync_sync",
		mcp.WithDescription("Run a sync cycle against LedgerHub. Pushes queued local mutations, then pulls and reconciles remote changes. Returns counts of pushed, pulled, imported, merged and conflicted records."),
		mcp.WithString("mode",
			mcp.Description("Sync mode: full (default), push, or pull"),
		),
		mcp.WithString("entity_type",
			mcp.Description("Limit the pull to one entity type (accounts, clients, projects, invoices, payments, expenses, journal_entries, quotations)"),
		),
	), s.mcpHandleSync)

	s.mcpServer.AddTool(mcp.NewTool("driftsync_status",
		mcp.WithDescription("Report sync health: queue depth by state, records with unpushed changes per entity type, failed queue items, and the conflict review backlog."),
	), s.mcpHandleStatus)

	s.mcpServer.AddTool(mcp.NewTool("driftsync_conflicts",
		mcp.WithDescription("List conflicts awaiting human review. Each entry shows the disputed fields with their local and remote values so a reviewer can decide."),
		mcp.WithString("entity_type",
			mcp.Description("Filter to one entity type"),
		),
	), s.mcpHandleConflicts)

	s.mcpServer.AddTool(mcp.NewTool("driftsync_resolve",
		mcp.WithDescription("Close a pending conflict. Choice local keeps the local payload, remote keeps the remote payload, merged applies the supplied payload. The winning payload is queued for push."),
		mcp.WithString("conflict_id",
			mcp.Description("Conflict identifier from driftsync_conflicts"),
			mcp.Required(),
		),
		mcp.WithString("choice",
			mcp.Description("Resolution choice: local, remote, or merged"),
			mcp.Required(),
		),
		mcp.WithString("merged_payload",
			mcp.Description("JSON object with the final field values (required when choice is merged)"),
		),
		mcp.WithString("resolved_by",
			mcp.Description("Identity of the resolver for the audit trail"),
		),
		mcp.WithString("notes",
			mcp.Description("Free-text notes recorded on the conflict"),
		),
	), s.mcpHandleResolve)
}

func (s *Server) mcpHandleSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleSync(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleStatus(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleConflicts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleConflicts(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleResolve(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = "full"
	}

	if entityType, ok := args["entity_type"].(string); ok && entityType != "" {
		counts, err := s.client.SyncEntity(driftsync.EntityType(entityType))
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("Synced %s: pulled %d, imported %d, merged %d, conflicts %d, errors %d",
			entityType, counts.Pulled, counts.Imported, counts.Merged, counts.Conflicts, counts.Errors)}, nil
	}

	switch mode {
	case "push":
		pushed, err := s.client.SyncPush()
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("push failed: %v", err), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("Pushed %d queued mutations", pushed)}, nil
	case "pull":
		counts, err := s.client.SyncPull()
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("pull failed: %v", err), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("Pulled %d: imported %d, merged %d, conflicts %d, errors %d",
			counts.Pulled, counts.Imported, counts.Merged, counts.Conflicts, counts.Errors)}, nil
	case "full":
		report, err := s.client.SyncNow()
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
		}
		return &ToolResult{Content: formatReport(report)}, nil
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown mode: %s", mode), IsError: true}, nil
	}
}

func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	queue, err := s.client.QueueStats()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("status failed: %v", err), IsError: true}, nil
	}
	pending, err := s.client.PendingCounts()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("status failed: %v", err), IsError: true}, nil
	}
	conflicts, err := s.client.PendingConflictCount()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("status failed: %v", err), IsError: true}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d pending, %d in progress, %d failed\n", queue.Pending, queue.InProgress, queue.Failed)
	fmt.Fprintf(&b, "Conflicts awaiting review: %d\n", conflicts)
	if len(pending) == 0 {
		b.WriteString("All records synced")
	} else {
		b.WriteString("Unpushed records:")
		for _, entityType := range driftsync.EntityOrder {
			if n := pending[entityType]; n > 0 {
				fmt.Fprintf(&b, "\n  %s: %d", entityType, n)
			}
		}
	}
	return &ToolResult{Content: b.String()}, nil
}

func (s *Server) handleConflicts(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entityType, _ := args["entity_type"].(string)
	conflicts, err := s.client.PendingConflicts(driftsync.EntityType(entityType))
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("list failed: %v", err), IsError: true}, nil
	}
	if len(conflicts) == 0 {
		return &ToolResult{Content: "No conflicts awaiting review"}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d conflicts awaiting review:\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(&b, "\n[%s] %s %s/%d severity=%s\n", c.ID, c.EntityName, c.EntityType, c.EntityID, c.Severity)
		for _, f := range c.ConflictingFields {
			fmt.Fprintf(&b, "  %s: local=%v remote=%v\n", f, c.LocalPayload[f], c.RemotePayload[f])
		}
	}
	return &ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

func (s *Server) handleResolve(ctx context.Context, args map[string]any) (*ToolResult, error) {
	conflictID, ok := args["conflict_id"].(string)
	if !ok || conflictID == "" {
		return &ToolResult{Content: "conflict_id is required", IsError: true}, nil
	}
	choice, ok := args["choice"].(string)
	if !ok || choice == "" {
		return &ToolResult{Content: "choice is required", IsError: true}, nil
	}

	var merged map[string]any
	if raw, ok := args["merged_payload"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid merged_payload: %v", err), IsError: true}, nil
		}
	}
	resolvedBy, _ := args["resolved_by"].(string)
	if resolvedBy == "" {
		resolvedBy = "mcp"
	}
	notes, _ := args["notes"].(string)

	conflict, err := s.client.ResolveConflict(conflictID, driftsync.Choice(choice), merged, resolvedBy, notes)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("resolve failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Resolved %s as %s; update queued for push", conflict.ID, conflict.Resolution)}, nil
}

func formatReport(r *driftsync.SyncReport) string {
	return fmt.Sprintf("Sync completed in %s: pushed %d, pulled %d, imported %d, merged %d, conflicts %d, errors %d",
		r.Duration.Round(time.Millisecond), r.Pushed, r.Pulled, r.Imported, r.Merged, r.Conflicts, r.Errors)
}
