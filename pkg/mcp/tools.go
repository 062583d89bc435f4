package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/copydesk/pkg/models"
	"github.com/pario-ai/copydesk/pkg/server"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"copydesk_usage":       handleUsage,
	"copydesk_cache_stats": handleCacheStats,
	"copydesk_history":     handleHistory,
	"copydesk_generate":    handleGenerate,
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var allTools = []ToolDefinition{
	{
		Name:        "copydesk_usage",
		Description: "Show today's request, token and image usage against the daily limits.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "copydesk_cache_stats",
		Description: "Show request cache statistics (backend, entries, hits, misses, hit rate).",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "copydesk_history",
		Description: "Search past generations with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"model":       str("Filter by model (optional)"),
				"status":      str("Filter by status: ok, error or denied (optional)"),
				"since":       str("Start date in YYYY-MM-DD format (optional)"),
				"fingerprint": str("Filter by request fingerprint (optional)"),
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum entries to return (default 50)",
				},
			},
		},
	},
	{
		Name:        "copydesk_generate",
		Description: "Generate a product description, reusing a cached result when the same parameters were seen before.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"product_name"},
			"properties": map[string]any{
				"product_name":       str("Product name"),
				"product_details":    str("Features and details (optional)"),
				"language":           str("Output language (optional)"),
				"tone":               str("Tone of voice (optional)"),
				"keywords":           str("SEO keywords (optional)"),
				"audience":           str("Target audience (optional)"),
				"platform":           str("Sales platform (optional)"),
				"usps":               str("Unique selling points (optional)"),
				"cta_style":          str("Call-to-action style (optional)"),
				"extra_instructions": str("Additional instructions (optional)"),
				"viral":              map[string]any{"type": "boolean", "description": "Use viral marketing triggers"},
				"generate_image":     map[string]any{"type": "boolean", "description": "Also generate a product image"},
			},
		},
	},
}

func handleUsage(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatUsage(s.svc.Tracker().Snapshot()))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatCacheStats(s.svc.Cache().Stats(ctx)))
}

type historyArgs struct {
	Model       string `json:"model"`
	Status      string `json:"status"`
	Since       string `json:"since"`
	Fingerprint string `json:"fingerprint"`
	Limit       int    `json:"limit"`
}

func handleHistory(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	h := s.svc.History()
	if h == nil {
		return textResult("History is not configured.")
	}
	var args historyArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.HistoryQueryOpts{
		Model:       args.Model,
		Status:      args.Status,
		Fingerprint: args.Fingerprint,
		Limit:       args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse(time.DateOnly, args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := h.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching history: " + err.Error())
	}
	return textResult(formatHistory(entries))
}

func handleGenerate(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var req models.GenerationRequest
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &req); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	req.ClientID = "mcp"

	result, err := s.svc.Generate(ctx, req, nil)
	if err != nil {
		return errorResult("Error: " + server.ErrorMessage(err))
	}
	return textResult(formatResult(result))
}
