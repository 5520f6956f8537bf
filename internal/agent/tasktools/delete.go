package tasktools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// DeleteTool removes a task whose id is already visible in the conversation
// history.
type DeleteTool struct {
	extractor *extract.Extractor
	store     TaskStore
	logger    *slog.Logger
}

// NewDeleteTool builds the delete agent.
func NewDeleteTool(extractor *extract.Extractor, store TaskStore, logger *slog.Logger) *DeleteTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeleteTool{extractor: extractor, store: store, logger: logger}
}

func (t *DeleteTool) Name() string { return DeleteToolName }

func (t *DeleteTool) Description() string {
	return "Delete an existing task. Use this when the user clearly wants a task removed " +
		"('delete', 'remove', 'cancel that reminder'). Requires a specific task_id already " +
		"present in the chat history from a previous get_tasks_tool or create_tasks_tool result. " +
		"When several tasks share a description, match on both description and time."
}

// Execute resolves the target task from the history and deletes it. The id
// must match both the description and the time the user referred to; when
// several tasks share a description the times disambiguate.
func (t *DeleteTool) Execute(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (*types.ToolResult, error) {
	known := knownTasksFromHistory(history)
	if len(known) == 0 {
		return &types.ToolResult{
			Success: false,
			Message: "No task_id available in chat history. This tool requires a specific task_id from previous get_tasks_tool or create_tasks_tool results. Please first retrieve tasks using get_tasks_tool.",
		}, nil
	}

	args, err := t.extractor.Extract(ctx, extract.Request{
		SystemPrompt: t.systemPrompt(history, known, cfg),
		UserInput:    latestUserMessage(history),
		Tool:         t.schema(),
	})
	if err != nil {
		return nil, fmt.Errorf("tasktools: delete extraction: %w", err)
	}

	taskID, _ := args["task_id"].(string)
	if !knownTaskID(known, taskID) {
		return &types.ToolResult{
			Success: false,
			Message: fmt.Sprintf("Task ID %s was not found in the chat history from previous tool calls.", taskID),
			TaskID:  taskID,
		}, nil
	}

	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error loading task: %v", err), TaskID: taskID}, nil
	}
	if task == nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Task with ID %s not found.", taskID), TaskID: taskID}, nil
	}
	if task.UserID != userID(cfg) {
		return &types.ToolResult{
			Success: false,
			Message: fmt.Sprintf("Task with ID %s does not belong to the current user.", taskID),
			TaskID:  taskID,
		}, nil
	}

	deleted, err := t.store.DeleteTask(ctx, taskID, userID(cfg))
	if err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error deleting task: %v", err), TaskID: taskID}, nil
	}
	if !deleted {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Task with ID %s not found.", taskID), TaskID: taskID}, nil
	}

	return &types.ToolResult{
		Success:  true,
		Message:  fmt.Sprintf("Task '%s' deleted successfully.", task.Info.Description()),
		TaskID:   taskID,
		TaskInfo: task.Info,
	}, nil
}

func (t *DeleteTool) schema() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        DeleteToolName,
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task_id to delete, taken verbatim from the AVAILABLE TASKS list. Never invent one.",
				},
			},
			"required": []string{"task_id"},
		},
	}
}

func (t *DeleteTool) systemPrompt(history []llm.Message, known []knownTask, cfg *types.UserConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the chat history %s, the assistant has decided to use the %s.\n\n%s\n",
		historyJSON(history), DeleteToolName, userContext(cfg))
	if latest := latestUserMessage(history); latest != "" {
		fmt.Fprintf(&b, "\nThe MOST RECENT user message is: %q\n", latest)
	}
	b.WriteString("\nAVAILABLE TASKS FROM CHAT HISTORY:\n")
	writeTaskList(&b, known, cfg)
	b.WriteString("\nTASK DELETION RULES:\n")
	b.WriteString("- Select the task_id from the list above matching BOTH the description and the time the user refers to.\n")
	b.WriteString("- When several tasks share a description, the time the user mentions decides which one.\n")
	b.WriteString("- If the user's request does not clearly match any listed task, pick nothing rather than guessing.\n")
	return b.String()
}
