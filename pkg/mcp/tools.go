package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/callopt/pkg/models"
	"github.com/pario-ai/callopt/pkg/optimizer"
	"github.com/pario-ai/callopt/pkg/router"
)

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"callopt_estimate":     handleEstimate,
	"callopt_route":        handleRoute,
	"callopt_compress":     handleCompress,
	"callopt_cache_stats":  handleCacheStats,
	"callopt_usage":        handleUsage,
	"callopt_audit_search": handleAuditSearch,
}

var complexitySchema = Schema{
	Type:        "string",
	Enum:        []string{"simple", "medium", "complex"},
	Description: "Complexity hint (optional, defaults to medium)",
}

var taskTypeSchema = Schema{
	Type:        "string",
	Description: "Task type, e.g. classification, summarization, reasoning",
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "callopt_estimate",
		Description: "Plan an AI call without running it: compressed prompt size, selected model, estimated cost and latency. Returns the cached result when one exists.",
		InputSchema: object([]string{"prompt"}, map[string]Schema{
			"prompt":             {Type: "string", Description: "Prompt text"},
			"task_type":          taskTypeSchema,
			"complexity":         complexitySchema,
			"max_context_length": {Type: "integer", Description: "Compression budget in characters (optional)"},
		}),
	},
	{
		Name:        "callopt_route",
		Description: "Select a model for a task type and input length.",
		InputSchema: object([]string{"input_length"}, map[string]Schema{
			"task_type":    taskTypeSchema,
			"input_length": {Type: "integer", Description: "Prompt length in characters"},
			"complexity":   complexitySchema,
		}),
	},
	{
		Name:        "callopt_compress",
		Description: "Compress text to a length budget, keeping the most keyword-dense sentences.",
		InputSchema: object([]string{"text", "target"}, map[string]Schema{
			"text":   {Type: "string", Description: "Text to compress"},
			"target": {Type: "integer", Description: "Maximum length in characters"},
		}),
	},
	{
		Name:        "callopt_cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, hit rate, evictions).",
		InputSchema: object(nil, nil),
	},
	{
		Name:        "callopt_usage",
		Description: "Show model selections by model, task type and tier, and call outcomes.",
		InputSchema: object(nil, nil),
	},
	{
		Name:        "callopt_audit_search",
		Description: "Search the optimization audit log with optional filters.",
		InputSchema: object(nil, map[string]Schema{
			"model":     {Type: "string", Description: "Filter by model (optional)"},
			"task_type": {Type: "string", Description: "Filter by task type (optional)"},
			"outcome": {
				Type:        "string",
				Enum:        []string{models.OutcomeHit, models.OutcomeGenerated, models.OutcomePlanned, models.OutcomeError},
				Description: "Filter by outcome (optional)",
			},
			"since": {Type: "string", Description: "Start date in YYYY-MM-DD format (optional)"},
		}),
	},
}

type estimateArgs struct {
	Prompt           string `json:"prompt"`
	TaskType         string `json:"task_type"`
	Complexity       string `json:"complexity"`
	MaxContextLength int    `json:"max_context_length"`
}

func handleEstimate(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args estimateArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Prompt == "" {
		return errorResult("prompt is required")
	}
	tier, err := router.ParseTier(args.Complexity)
	if err != nil {
		return errorResult(err.Error())
	}
	opts := []optimizer.CallOption{optimizer.WithTaskType(args.TaskType), optimizer.WithComplexity(tier)}
	if args.MaxContextLength > 0 {
		opts = append(opts, optimizer.WithCompression(args.MaxContextLength))
	}

	out, err := s.opt.Optimize(ctx, optimizer.TextPrompt(args.Prompt), nil, nil, opts...)
	if err != nil {
		return errorResult("Error planning call: " + err.Error())
	}
	return textResult(formatOutcome(out))
}

type routeArgs struct {
	TaskType    string `json:"task_type"`
	InputLength int    `json:"input_length"`
	Complexity  string `json:"complexity"`
}

func handleRoute(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args routeArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.InputLength < 0 {
		return errorResult("input_length must not be negative")
	}
	tier, err := router.ParseTier(args.Complexity)
	if err != nil {
		return errorResult(err.Error())
	}
	sel, err := s.opt.Router().SelectModel(args.TaskType, args.InputLength, tier)
	if err != nil {
		return errorResult("Error selecting model: " + err.Error())
	}
	return textResult(formatSelection(sel))
}

type compressArgs struct {
	Text   string `json:"text"`
	Target int    `json:"target"`
}

func handleCompress(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args compressArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Target < 0 {
		return errorResult("target must not be negative")
	}
	out := s.opt.Compressor().Text(args.Text, args.Target)
	return textResult(formatCompressed(args.Text, out))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.opt.Store() == nil {
		return textResult("Cache is not configured.")
	}
	return textResult(formatCacheStats(s.opt.Stats().Cache))
}

func handleUsage(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatUsage(s.opt.Stats()))
}

type auditSearchArgs struct {
	Model    string `json:"model"`
	TaskType string `json:"task_type"`
	Outcome  string `json:"outcome"`
	Since    string `json:"since"`
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{
		Model:    args.Model,
		TaskType: args.TaskType,
		Outcome:  args.Outcome,
		Limit:    50,
	}
	if args.Since != "" {
		t, err := time.Parse(time.DateOnly, args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}
