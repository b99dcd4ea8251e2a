package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/twinsync/internal/storage"
)

// NewMCPServer creates an MCP server exposing operator tools over deps.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"twinsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("twinsync replicates local records and media with one peer node."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_state",
			mcp.WithDescription("Report this node's changelog head, pending conflicts, sync toggle and peer cursor."),
		),
		mcpSyncState(deps),
	)

	s.AddTool(
		mcp.NewTool("list_conflicts",
			mcp.WithDescription("List conflict records parked for manual review."),
			mcp.WithString("status", mcp.Description("pending (default), resolved, dismissed or all")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListConflicts(deps),
	)

	s.AddTool(
		mcp.NewTool("resolve_conflict",
			mcp.WithDescription("Close a pending conflict. Entity data is not changed."),
			mcp.WithString("id", mcp.Description("Conflict ID"), mcp.Required()),
			mcp.WithString("status", mcp.Description("resolved (default) or dismissed")),
			mcp.WithString("note", mcp.Description("Optional reviewer note")),
		),
		mcpResolveConflict(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_media",
			mcp.WithDescription("Rescan the media root and update the manifest."),
		),
		mcpRefreshMedia(deps),
	)

	s.AddTool(
		mcp.NewTool("run_push",
			mcp.WithDescription("Push the next batch of local changes to the peer."),
		),
		mcpRunPush(deps),
	)

	s.AddTool(
		mcp.NewTool("run_pull",
			mcp.WithDescription("Pull and apply the next batch of changes from the peer."),
		),
		mcpRunPull(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sync://state",
			"Sync State",
			mcp.WithResourceDescription("Current replication state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	return s
}

func mcpSyncState(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := BuildState(ctx, deps, deps.PeerID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read state: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpListConflicts(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", storage.ConflictPending)
		if status == "all" {
			status = ""
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		conflicts, err := deps.Store.ListConflicts(ctx, status, limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list conflicts: %v", err)), nil
		}
		views := make([]ConflictView, len(conflicts))
		for i, c := range conflicts {
			views[i] = ConflictToView(c)
		}
		return mcpJSON(views)
	}
}

func mcpResolveConflict(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		status := req.GetString("status", storage.ConflictResolved)
		note := req.GetString("note", "")

		err = deps.Store.ResolveConflict(ctx, id, status, note)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("conflict %s not found", id)), nil
		case errors.Is(err, storage.ErrConflictClosed):
			return mcpError(fmt.Sprintf("conflict %s is already closed", id)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("failed to resolve conflict: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Conflict %s marked %s", id, status)), nil
	}
}

func mcpRefreshMedia(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Media.Refresh(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("refresh failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Scanned %d files, updated %d manifest entries", stats.Scanned, stats.Updated)), nil
	}
}

func mcpRunPush(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Replicator == nil {
			return mcpError("no peer configured"), nil
		}
		report, err := deps.Replicator.PushOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("push failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpRunPull(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Replicator == nil {
			return mcpError("no peer configured"), nil
		}
		report, err := deps.Replicator.PullOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("pull failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpResourceState(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := BuildState(ctx, deps, deps.PeerID)
		if err != nil {
			return nil, fmt.Errorf("failed to read state: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
