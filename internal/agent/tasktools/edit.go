package tasktools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/internal/store"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// deferInterval is how far a "not yet" pushes a task out.
const deferInterval = 5 * time.Minute

// EditTool applies partial updates to a task whose id is already visible in
// the conversation history.
type EditTool struct {
	extractor *extract.Extractor
	store     TaskStore
	logger    *slog.Logger
}

// NewEditTool builds the edit agent.
func NewEditTool(extractor *extract.Extractor, store TaskStore, logger *slog.Logger) *EditTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &EditTool{extractor: extractor, store: store, logger: logger}
}

func (t *EditTool) Name() string { return EditToolName }

func (t *EditTool) Description() string {
	return "Edit an existing task's status, description, or execution time. Use this when " +
		"the user clearly indicates they completed a task ('I did it', 'just finished') to mark it " +
		"completed, or wants to defer it ('not yet', 'I'll do it later', 'I need more time'). " +
		"Requires a specific task_id already present in the chat history from a previous " +
		"get_tasks_tool or create_tasks_tool result. Never use it to create or read tasks."
}

// Execute resolves the target task from the history, extracts the requested
// changes, and applies them. A defer intent moves the execution time to
// five minutes after the stored time or now, whichever is later. Marking a
// task completed updates status only.
func (t *EditTool) Execute(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (*types.ToolResult, error) {
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
		return nil, fmt.Errorf("tasktools: edit extraction: %w", err)
	}

	taskID, _ := args["task_id"].(string)
	newStatus, _ := args["status"].(string)
	newInfo, _ := args["task_info"].(string)
	newTimeStr, _ := args["time_to_execute"].(string)
	deferTask, _ := args["defer"].(bool)

	if !knownTaskID(known, taskID) {
		return &types.ToolResult{
			Success: false,
			Message: fmt.Sprintf("Task ID %s was not found in the chat history from previous tool calls.", taskID),
			TaskID:  taskID,
		}, nil
	}
	if newStatus == "" && newInfo == "" && newTimeStr == "" && !deferTask {
		return &types.ToolResult{
			Success: false,
			Message: "At least one field (status, task_info, or time_to_execute) must be provided to update the task.",
			TaskID:  taskID,
		}, nil
	}
	if newStatus != "" && !types.TaskStatus(newStatus).IsValid() {
		return &types.ToolResult{
			Success: false,
			Message: fmt.Sprintf("Invalid status: %s. Status must be 'pending' or 'completed'.", newStatus),
			TaskID:  taskID,
		}, nil
	}
	if newStatus == string(types.TaskCompleted) && (newInfo != "" || newTimeStr != "" || deferTask) {
		return &types.ToolResult{
			Success: false,
			Message: "When marking a task as completed, only the status field should be updated.",
			TaskID:  taskID,
		}, nil
	}

	current, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error loading task: %v", err), TaskID: taskID}, nil
	}
	if current == nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Task with ID %s not found.", taskID), TaskID: taskID}, nil
	}
	if current.UserID != userID(cfg) {
		return &types.ToolResult{
			Success: false,
			Message: fmt.Sprintf("Task with ID %s does not belong to the current user.", taskID),
			TaskID:  taskID,
		}, nil
	}

	upd := store.TaskUpdate{}
	var updated []string
	if newStatus != "" {
		status := types.TaskStatus(newStatus)
		upd.Status = &status
		updated = append(updated, fmt.Sprintf("status to '%s'", newStatus))
	}
	if newInfo != "" {
		upd.Info = types.TaskInfo{"info": newInfo}
		updated = append(updated, "task_info")
	}
	switch {
	case deferTask:
		base := current.TimeToExecute
		if cfg != nil {
			if now := cfg.Now(); now.After(base) {
				base = now
			}
		}
		deferred := base.Add(deferInterval)
		upd.TimeToExecute = &deferred
		updated = append(updated, "time_to_execute")
	case newTimeStr != "":
		execTime, err := parseExecutionTime(newTimeStr, cfg)
		if err != nil {
			return &types.ToolResult{Success: false, Message: fmt.Sprintf("Could not parse execution time %q.", newTimeStr), TaskID: taskID}, nil
		}
		upd.TimeToExecute = &execTime
		updated = append(updated, "time_to_execute")
	}

	task, err := t.store.UpdateTask(ctx, taskID, userID(cfg), upd)
	if err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error updating task: %v", err), TaskID: taskID}, nil
	}
	if task == nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Task with ID %s not found.", taskID), TaskID: taskID}, nil
	}

	return &types.ToolResult{
		Success:       true,
		Message:       fmt.Sprintf("Task updated successfully (%s).", strings.Join(updated, ", ")),
		TaskID:        task.ID,
		TaskInfo:      task.Info,
		Status:        string(task.Status),
		TimeToExecute: task.TimeToExecute.Format(time.RFC3339),
	}, nil
}

func (t *EditTool) schema() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        EditToolName,
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task_id to edit, taken verbatim from the AVAILABLE TASKS list. Never invent one.",
				},
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{string(types.TaskPending), string(types.TaskCompleted)},
					"description": "New status. 'completed' when the user clearly finished the task; 'pending' to reopen. When marking completed include ONLY this field.",
				},
				"task_info": map[string]any{
					"type":        "string",
					"description": "New task description. Include only if the user wants the description changed.",
				},
				"time_to_execute": map[string]any{
					"type":        "string",
					"description": "New execution time in ISO 8601 with the user's timezone offset. Include only for explicit reschedules; use defer for 'later'.",
				},
				"defer": map[string]any{
					"type":        "boolean",
					"description": "Set to true when the user wants to postpone without naming a time ('not yet', 'later', 'I need more time'). The new time is computed automatically.",
				},
			},
			"required": []string{"task_id"},
		},
	}
}

func (t *EditTool) systemPrompt(history []llm.Message, known []knownTask, cfg *types.UserConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the chat history %s, the assistant has decided to use the %s.\n\n%s\n",
		historyJSON(history), EditToolName, userContext(cfg))
	if latest := latestUserMessage(history); latest != "" {
		fmt.Fprintf(&b, "\nThe MOST RECENT user message is: %q\n", latest)
	}
	b.WriteString("\nAVAILABLE TASKS FROM CHAT HISTORY:\n")
	writeTaskList(&b, known, cfg)
	b.WriteString("\nTASK EDITING RULES:\n")
	b.WriteString("- Select the task_id from the list above that matches the description and time the user refers to.\n")
	b.WriteString("- When the user clearly completed the task, set status to 'completed' and include no other field.\n")
	b.WriteString("- When the user wants to postpone ('not yet', 'later', 'I need more time'), set defer to true. Do not compute the new time yourself.\n")
	b.WriteString("- Include only the fields the user explicitly wants changed.\n")
	return b.String()
}

func knownTaskID(known []knownTask, taskID string) bool {
	if taskID == "" {
		return false
	}
	for _, t := range known {
		if t.TaskID == taskID {
			return true
		}
	}
	return false
}

func writeTaskList(b *strings.Builder, known []knownTask, cfg *types.UserConfig) {
	tz := "UTC"
	if cfg != nil && cfg.Timezone != "" {
		tz = cfg.Timezone
	}
	for i, task := range known {
		fmt.Fprintf(b, "%d. Task ID: %s\n   Description: %s\n   Current Status: %s\n   Time to Execute: %s (in user's timezone: %s)\n",
			i+1, task.TaskID, task.TaskInfo.Description(), task.Status, displayTime(task.TimeToExecute, cfg), tz)
	}
}
