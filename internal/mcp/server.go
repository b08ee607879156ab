// Package mcp provides a Model Context Protocol server over the review queue.
//
// It exposes the pending-review workflow (list, confirm, confirm with edits,
// dismiss, dismiss all, audit trail) as MCP tools over stdio transport, so a
// reviewer-facing agent can drive the queue without shelling out to the CLI.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/veritas-health/clinex/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   *store.Store
	Version string
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines;
// SQLite supports one writer at a time, and review decisions must observe
// a consistent pending set.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all review tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Clinex Review",
		ver,
		server.WithToolCapabilities(false),
	)

	registerPendingTool(s, cfg.Store)
	registerConfirmTool(s, cfg.Store)
	registerConfirmEditsTool(s, cfg.Store)
	registerDismissTool(s, cfg.Store)
	registerDismissAllTool(s, cfg.Store)
	registerEventsTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	return s
}

func registerPendingTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_pending",
		mcp.WithDescription("List extracted entities awaiting human review, oldest first. Each item carries its fields, confidence, grounding class, source message indices, a source text quote, and a duplicate_of pointer when an earlier matching item exists."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("unit_id",
			mcp.Description("Restrict to one source unit. Empty = all units."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		unitID, _ := req.RequireString("unit_id")
		items, err := st.ListPending(ctx, unitID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing pending: %v", err)), nil
		}

		data, _ := json.MarshalIndent(items, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerConfirmTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_confirm",
		mcp.WithDescription("Confirm a pending review item as-is. Confirmation is final; a confirmed item cannot be re-decided."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("item_id",
			mcp.Required(),
			mcp.Description("Review item id"),
		),
		mcp.WithString("actor",
			mcp.Description("Reviewer identity recorded in the audit log"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError("item_id is required"), nil
		}
		actor, _ := req.RequireString("actor")

		if err := st.Confirm(ctx, id, actor); err != nil {
			return decisionError(id, err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("confirmed %s", id)), nil
	})
}

func registerConfirmEditsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_confirm_edits",
		mcp.WithDescription("Confirm a pending review item with reviewer field corrections. Edits are recorded alongside the original extraction; the decision is final."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("item_id",
			mcp.Required(),
			mcp.Description("Review item id"),
		),
		mcp.WithString("edits",
			mcp.Required(),
			mcp.Description(`JSON object of field corrections, e.g. {"dose": "400 mg"}`),
		),
		mcp.WithString("actor",
			mcp.Description("Reviewer identity recorded in the audit log"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError("item_id is required"), nil
		}
		rawEdits, err := req.RequireString("edits")
		if err != nil {
			return mcp.NewToolResultError("edits is required"), nil
		}
		actor, _ := req.RequireString("actor")

		var edits map[string]string
		if err := json.Unmarshal([]byte(rawEdits), &edits); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid edits JSON: %v", err)), nil
		}

		if err := st.ConfirmWithEdits(ctx, id, actor, edits); err != nil {
			return decisionError(id, err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("confirmed %s with %d edits", id, len(edits))), nil
	})
}

func registerDismissTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_dismiss",
		mcp.WithDescription("Dismiss a pending review item. Dismissal is final and the same extraction will not be re-queued by later runs."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("item_id",
			mcp.Required(),
			mcp.Description("Review item id"),
		),
		mcp.WithString("actor",
			mcp.Description("Reviewer identity recorded in the audit log"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError("item_id is required"), nil
		}
		actor, _ := req.RequireString("actor")

		if err := st.Dismiss(ctx, id, actor); err != nil {
			return decisionError(id, err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("dismissed %s", id)), nil
	})
}

func registerDismissAllTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_dismiss_all",
		mcp.WithDescription("Dismiss every pending review item of one source unit."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("unit_id",
			mcp.Required(),
			mcp.Description("Source unit id"),
		),
		mcp.WithString("actor",
			mcp.Description("Reviewer identity recorded in the audit log"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		unitID, err := req.RequireString("unit_id")
		if err != nil {
			return mcp.NewToolResultError("unit_id is required"), nil
		}
		actor, _ := req.RequireString("actor")

		n, err := st.DismissAll(ctx, unitID, actor)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dismiss all: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("dismissed %d items of unit %s", n, unitID)), nil
	})
}

func registerEventsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_events",
		mcp.WithDescription("Show the append-only audit trail of one review item."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("item_id",
			mcp.Required(),
			mcp.Description("Review item id"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("item_id")
		if err != nil {
			return mcp.NewToolResultError("item_id is required"), nil
		}
		events, err := st.Events(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing events: %v", err)), nil
		}
		data, _ := json.MarshalIndent(events, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("review_stats",
		mcp.WithDescription("Review queue statistics: pending, confirmed, dismissed, duplicate, and event counts."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("collecting stats: %v", err)), nil
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func decisionError(id string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("item %s not found", id))
	case errors.Is(err, store.ErrTerminal):
		return mcp.NewToolResultError(fmt.Sprintf("item %s already decided", id))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("deciding item %s: %v", id, err))
	}
}
