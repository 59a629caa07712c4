package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/scan"
	"github.com/kalambet/scoutd/internal/schedule"
	"github.com/kalambet/scoutd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Profiles *profile.Manager
	Runner   ScanRunner
	Pools    []PoolStatus
}

// NewMCPServer creates an MCP server exposing scan control and pool
// inspection to an agent.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scoutd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scoutd watches feeds for relevant posts and replies through a pool of managed accounts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("run_scan",
			mcp.WithDescription("Run one scan cycle for a profile and report how it ended."),
			mcp.WithString("profile_id", mcp.Description("Profile to scan"), mcp.Required()),
		),
		mcpRunScan(deps),
	)

	s.AddTool(
		mcp.NewTool("pool_status",
			mcp.WithDescription("Summarize the account and API key pools: eligible, leased, cooling down."),
			mcp.WithString("kind", mcp.Description("Only this resource kind (account or api_key)")),
		),
		mcpPoolStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_actions",
			mcp.WithDescription("List recent dispatch records, newest first."),
			mcp.WithString("profile_id", mcp.Description("Only actions for this profile")),
			mcp.WithString("outcome", mcp.Description("pending, dispatched, skipped or failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpListActions(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"scoutd://profiles",
			"Scan Profiles",
			mcp.WithResourceDescription("Every configured scan profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfiles(deps),
	)

	return s
}

func mcpRunScan(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("profile_id")
		if err != nil {
			return mcpError("profile_id is required"), nil
		}

		res, err := deps.Runner.RunProfile(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("profile %s not found", id)), nil
		case errors.Is(err, schedule.ErrBusy):
			return mcpError(fmt.Sprintf("a scan is already running for %s", id)), nil
		case errors.Is(err, scan.ErrTooSoon):
			return mcpError(fmt.Sprintf("profile %s was scanned less than its interval ago", id)), nil
		default:
			return mcpError(fmt.Sprintf("scan failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if res.Reason != "" && !res.Retryable {
			r := mcpText(string(b))
			r.IsError = true
			return r, nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPoolStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind := req.GetString("kind", "")

		out := make([]pool.Status, 0, len(deps.Pools))
		for _, p := range deps.Pools {
			st, err := p.Status()
			if err != nil {
				return mcpError(fmt.Sprintf("pool status failed: %v", err)), nil
			}
			if kind != "" && st.Kind != kind {
				continue
			}
			out = append(out, st)
		}
		if kind != "" && len(out) == 0 {
			return mcpError(fmt.Sprintf("no pool of kind %q", kind)), nil
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListActions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		f := storage.ActionFilter{
			ProfileID: req.GetString("profile_id", ""),
			Outcome:   req.GetString("outcome", ""),
			Limit:     min(limit, maxActionLimit),
		}

		recs, err := deps.Store.ListActions(f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing actions failed: %v", err)), nil
		}
		if len(recs) == 0 {
			return mcpText("No actions recorded."), nil
		}

		b, err := json.Marshal(actionViews(recs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal actions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProfiles(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ps, err := deps.Profiles.List(false)
		if err != nil {
			return nil, fmt.Errorf("failed to list profiles: %w", err)
		}

		b, err := json.Marshal(ps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profiles: %w", err)
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
