package tasktools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// GetTool lists the user's tasks in an extracted time range.
type GetTool struct {
	extractor *extract.Extractor
	store     TaskStore
	logger    *slog.Logger
}

// NewGetTool builds the get agent.
func NewGetTool(extractor *extract.Extractor, store TaskStore, logger *slog.Logger) *GetTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetTool{extractor: extractor, store: store, logger: logger}
}

func (t *GetTool) Name() string { return GetToolName }

func (t *GetTool) Description() string {
	return "Get a list of tasks for a given time range. Relative phrases like " +
		"'today' or 'tomorrow' mean whole calendar days in the user's timezone, " +
		"midnight to midnight, not rolling 24-hour windows."
}

// Execute extracts (start, end) and queries the store. An empty list is a
// success, never an error.
func (t *GetTool) Execute(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (*types.ToolResult, error) {
	args, err := t.extractor.Extract(ctx, extract.Request{
		SystemPrompt: t.systemPrompt(history, cfg),
		UserInput:    latestUserMessage(history),
		Tool:         t.schema(),
	})
	if err != nil {
		return nil, fmt.Errorf("tasktools: get extraction: %w", err)
	}

	startStr, _ := args["start_time"].(string)
	endStr, _ := args["end_time"].(string)

	var start, end time.Time
	if startStr != "" {
		if start, err = parseExecutionTime(startStr, cfg); err != nil {
			return &types.ToolResult{Success: false, Message: fmt.Sprintf("Could not parse start time %q.", startStr)}, nil
		}
	}
	if endStr != "" {
		if end, err = parseExecutionTime(endStr, cfg); err != nil {
			return &types.ToolResult{Success: false, Message: fmt.Sprintf("Could not parse end time %q.", endStr)}, nil
		}
	}

	tasks, err := t.store.ListTasksInRange(ctx, userID(cfg), start, end)
	if err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error retrieving tasks: %v", err)}, nil
	}

	count := len(tasks)
	return &types.ToolResult{
		Success:    true,
		Message:    fmt.Sprintf("Found %d task(s) in the requested range.", count),
		Tasks:      tasks,
		TotalCount: &count,
		TimeRange:  formatRange(start, end),
	}, nil
}

func (t *GetTool) schema() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        GetToolName,
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start_time": map[string]any{
					"type":        "string",
					"description": "Start of the range in ISO 8601 with the user's timezone offset. For 'today' use today's midnight.",
				},
				"end_time": map[string]any{
					"type":        "string",
					"description": "End of the range in ISO 8601 with the user's timezone offset. For 'today' use the next midnight.",
				},
			},
			"required": []string{"start_time", "end_time"},
		},
	}
}

func (t *GetTool) systemPrompt(history []llm.Message, cfg *types.UserConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the chat history %s, the assistant has decided to use the %s.\n\n%s\n",
		historyJSON(history), GetToolName, userContext(cfg))
	b.WriteString("\nTIME RANGE RULES:\n")
	b.WriteString("- 'today' means the current calendar date in the user's timezone: midnight to the following midnight.\n")
	b.WriteString("- 'tomorrow' means the next calendar date, midnight to midnight.\n")
	b.WriteString("- 'this week' spans from today's midnight to the end of the coming Sunday.\n")
	b.WriteString("- Never use rolling 24-hour windows anchored at the current time.\n")
	return b.String()
}

func formatRange(start, end time.Time) string {
	from, to := "unbounded", "unbounded"
	if !start.IsZero() {
		from = start.Format(time.RFC3339)
	}
	if !end.IsZero() {
		to = end.Format(time.RFC3339)
	}
	return fmt.Sprintf("%s .. %s", from, to)
}
