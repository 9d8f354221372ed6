package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/askcache/internal/cache"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Cache *cache.Service
}

// NewMCPServer creates an MCP server exposing the cache moderation surface
// as tools, so an agent can inspect and curate cached answers.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"askcache",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("askcache — semantic answer cache with moderation tools for cached question/answer entries."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Report total cached entries, per-key counts, and durable store connectivity."),
		),
		mcpStats(deps),
	)

	s.AddTool(
		mcp.NewTool("category_stats",
			mcp.WithDescription("Report entry counts per category, for one cache key or all keys."),
			mcp.WithString("cache_key", mcp.Description("Cache key to scope to; omit for all keys")),
		),
		mcpCategoryStats(deps),
	)

	s.AddTool(
		mcp.NewTool("list_entries",
			mcp.WithDescription("List cached entries for a key ordered for moderation: most thumbs-down first, then most served."),
			mcp.WithString("cache_key", mcp.Description("Cache key"), mcp.Required()),
		),
		mcpListEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_cache",
			mcp.WithDescription("Remove all cached entries for a key, or for every key when no key is given."),
			mcp.WithString("cache_key", mcp.Description("Cache key to clear; omit to clear everything")),
		),
		mcpClearCache(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_category",
			mcp.WithDescription("Remove cached entries under one key tagged with the given category."),
			mcp.WithString("cache_key", mcp.Description("Cache key"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Category to remove"), mcp.Required()),
		),
		mcpClearCategory(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_entry",
			mcp.WithDescription("Delete one cached entry by its durable id."),
			mcp.WithNumber("id", mcp.Description("Entry id from list_entries"), mcp.Required()),
			mcp.WithString("cache_key", mcp.Description("Cache key the entry belongs to"), mcp.Required()),
		),
		mcpDeleteEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("mark_reviewed",
			mcp.WithDescription("Mark a cached entry as reviewed by a moderator."),
			mcp.WithNumber("id", mcp.Description("Entry id from list_entries"), mcp.Required()),
		),
		mcpMarkReviewed(deps),
	)

	s.AddTool(
		mcp.NewTool("record_thumbs_down",
			mcp.WithDescription("Record negative feedback against a cached answer by its exact question text."),
			mcp.WithString("cache_key", mcp.Description("Cache key"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Exact stored question text"), mcp.Required()),
		),
		mcpRecordThumbsDown(deps),
	)

	s.AddTool(
		mcp.NewTool("save_feedback",
			mcp.WithDescription("Attach a free-text comment to a cached answer by its exact question text."),
			mcp.WithString("cache_key", mcp.Description("Cache key"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Exact stored question text"), mcp.Required()),
			mcp.WithString("comment", mcp.Description("Comment text; blank comments are discarded"), mcp.Required()),
		),
		mcpSaveFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("get_feedback",
			mcp.WithDescription("List feedback comments for a question, newest first."),
			mcp.WithString("cache_key", mcp.Description("Cache key"), mcp.Required()),
			mcp.WithString("question", mcp.Description("Exact stored question text"), mcp.Required()),
		),
		mcpGetFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("get_metadata",
			mcp.WithDescription("Read a cache metadata value by key."),
			mcp.WithString("key", mcp.Description("Metadata key"), mcp.Required()),
		),
		mcpGetMetadata(deps),
	)

	s.AddTool(
		mcp.NewTool("set_metadata",
			mcp.WithDescription("Write a cache metadata key/value pair (upsert)."),
			mcp.WithString("key", mcp.Description("Metadata key"), mcp.Required()),
			mcp.WithString("value", mcp.Description("Metadata value"), mcp.Required()),
		),
		mcpSetMetadata(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cache://stats",
			"Cache Statistics",
			mcp.WithResourceDescription("Current cache statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Cache.Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCategoryStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key := req.GetString("cache_key", "")
		b, err := json.Marshal(deps.Cache.CategoryStats(key))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal category stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("cache_key")
		if err != nil {
			return mcpError("cache_key is required"), nil
		}

		type entryResult struct {
			ID         int64  `json:"id"`
			Question   string `json:"question"`
			Answer     string `json:"answer"`
			Category   string `json:"category,omitempty"`
			ServeCount int64  `json:"serve_count"`
			ThumbsDown int64  `json:"thumbs_down"`
			Reviewed   bool   `json:"reviewed"`
		}

		rows := deps.Cache.ListEntries(ctx, key)
		results := make([]entryResult, len(rows))
		for i, row := range rows {
			results[i] = entryResult{
				ID:         row.ID,
				Question:   row.Question,
				Answer:     row.Answer,
				Category:   row.Category,
				ServeCount: row.ServeCount,
				ThumbsDown: row.ThumbsDown,
				Reviewed:   row.Reviewed,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearCache(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key := req.GetString("cache_key", "")
		deps.Cache.Clear(ctx, key)
		if key == "" {
			return mcpText("Cleared all cached entries"), nil
		}
		return mcpText(fmt.Sprintf("Cleared cached entries for %s", key)), nil
	}
}

func mcpClearCategory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("cache_key")
		if err != nil {
			return mcpError("cache_key is required"), nil
		}
		category, err := req.RequireString("category")
		if err != nil {
			return mcpError("category is required"), nil
		}

		removed := deps.Cache.ClearCategory(ctx, key, category)
		return mcpText(fmt.Sprintf("Removed %d entries in category %q for %s", removed, category, key)), nil
	}
}

func mcpDeleteEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		key, err := req.RequireString("cache_key")
		if err != nil {
			return mcpError("cache_key is required"), nil
		}

		if !deps.Cache.DeleteEntry(ctx, int64(id), key) {
			return mcpError(fmt.Sprintf("entry %d not found", id)), nil
		}
		return mcpText(fmt.Sprintf("Deleted entry %d", id)), nil
	}
}

func mcpMarkReviewed(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		if !deps.Cache.MarkReviewed(ctx, int64(id)) {
			return mcpError(fmt.Sprintf("entry %d not found", id)), nil
		}
		return mcpText(fmt.Sprintf("Marked entry %d reviewed", id)), nil
	}
}

func mcpRecordThumbsDown(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("cache_key")
		if err != nil {
			return mcpError("cache_key is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		if !deps.Cache.RecordThumbsDown(ctx, key, question) {
			return mcpError("durable store unavailable"), nil
		}
		return mcpText("Recorded thumbs down"), nil
	}
}

func mcpSaveFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("cache_key")
		if err != nil {
			return mcpError("cache_key is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		comment, err := req.RequireString("comment")
		if err != nil {
			return mcpError("comment is required"), nil
		}

		if !deps.Cache.SaveFeedback(ctx, key, question, comment) {
			return mcpText("Comment discarded"), nil
		}
		return mcpText("Feedback saved"), nil
	}
}

func mcpGetFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("cache_key")
		if err != nil {
			return mcpError("cache_key is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		comments := deps.Cache.Feedback(ctx, key, question)
		if len(comments) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(comments)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal feedback: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetMetadata(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		value, ok := deps.Cache.Metadata(ctx, key)
		if !ok {
			return mcpError(fmt.Sprintf("metadata key %q not found", key)), nil
		}
		return mcpText(value), nil
	}
}

func mcpSetMetadata(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}

		if !deps.Cache.SetMetadata(ctx, key, value) {
			return mcpError("durable store unavailable"), nil
		}
		return mcpText(fmt.Sprintf("Set %s = %s", key, value)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Cache.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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
