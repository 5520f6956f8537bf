package tasktools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/internal/scratchpad"
	"github.com/voxpin/voxpin/internal/store"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// TaskStore is the slice of the persistence layer the task tools need.
// *store.PostgresStore satisfies it.
type TaskStore interface {
	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasksInRange(ctx context.Context, userID string, start, end time.Time) ([]types.Task, error)
	UpdateTask(ctx context.Context, taskID, userID string, upd store.TaskUpdate) (*types.Task, error)
	DeleteTask(ctx context.Context, taskID, userID string) (bool, error)
}

// Enqueuer schedules the reminder job for a newly created task. Enqueue
// failures never fail the creation.
type Enqueuer interface {
	EnqueueTaskReminder(ctx context.Context, task *types.Task) error
}

// CreateTool extracts one task from the user's latest turn and persists it.
type CreateTool struct {
	extractor *extract.Extractor
	store     TaskStore
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// NewCreateTool builds the create agent. enqueuer may be nil when no reminder
// pipeline is attached.
func NewCreateTool(extractor *extract.Extractor, store TaskStore, enqueuer Enqueuer, logger *slog.Logger) *CreateTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreateTool{extractor: extractor, store: store, enqueuer: enqueuer, logger: logger}
}

func (t *CreateTool) Name() string { return CreateToolName }

func (t *CreateTool) Description() string {
	return "Create a new task with a description and time to execute. " +
		"Only the most recent user message is mined for tasks; earlier turns are context. " +
		"If the user mentions several tasks, one is created per call."
}

// Execute mines (info, time) from the latest user turn, skipping tasks whose
// description already appears in a prior successful create result. Instants
// in the past are rejected with status invalid_time rather than advanced.
func (t *CreateTool) Execute(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (*types.ToolResult, error) {
	input := latestUserMessage(history)
	if input == "" {
		return &types.ToolResult{Success: false, Message: "No user message found to extract a task from."}, nil
	}

	created := createdDescriptions(history)

	args, err := t.extractor.Extract(ctx, extract.Request{
		SystemPrompt: t.systemPrompt(history, created, cfg),
		UserInput:    input,
		Tool:         t.schema(),
	})
	if err != nil {
		return nil, fmt.Errorf("tasktools: create extraction: %w", err)
	}

	if done, _ := args["all_tasks_created"].(bool); done {
		return &types.ToolResult{
			Success: false,
			Status:  "all_tasks_created",
			Message: "All tasks from the user's message have already been created.",
		}, nil
	}

	info, _ := args["task_info"].(string)
	timeStr, _ := args["time_to_execute"].(string)
	if info == "" || timeStr == "" {
		return &types.ToolResult{Success: false, Message: "Could not extract a task description and execution time from the message."}, nil
	}

	// The model occasionally re-extracts a task it was told to skip.
	for _, desc := range created {
		if scratchpad.NormalizeText(desc) == scratchpad.NormalizeText(info) {
			return &types.ToolResult{
				Success: false,
				Status:  "all_tasks_created",
				Message: "All tasks from the user's message have already been created.",
			}, nil
		}
	}

	execTime, err := parseExecutionTime(timeStr, cfg)
	if err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Could not parse execution time %q.", timeStr)}, nil
	}
	if cfg != nil && execTime.Before(cfg.Now()) {
		return &types.ToolResult{
			Success: false,
			Status:  "invalid_time",
			Message: fmt.Sprintf("The requested time %s is in the past.", execTime.Format(time.RFC3339)),
		}, nil
	}

	task := &types.Task{
		UserID:        userID(cfg),
		Info:          types.TaskInfo{"info": info},
		Status:        types.TaskPending,
		TimeToExecute: execTime,
	}
	if err := t.store.CreateTask(ctx, task); err != nil {
		return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error creating task: %v", err)}, nil
	}

	if t.enqueuer != nil {
		if err := t.enqueuer.EnqueueTaskReminder(ctx, task); err != nil {
			t.logger.Warn("task created but reminder enqueue failed",
				"task_id", task.ID, "error", err)
		}
	}

	return &types.ToolResult{
		Success:       true,
		Message:       fmt.Sprintf("Task '%s' created successfully", info),
		TaskID:        task.ID,
		TaskInfo:      task.Info,
		Status:        string(task.Status),
		TimeToExecute: task.TimeToExecute.Format(time.RFC3339),
	}, nil
}

func (t *CreateTool) schema() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        CreateToolName,
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_info": map[string]any{
					"type":        "string",
					"description": "The description of the task to create, taken from the most recent user message only.",
				},
				"time_to_execute": map[string]any{
					"type":        "string",
					"description": "When the task should fire, in full ISO 8601 with the user's timezone offset (e.g. 2026-01-21T06:00:00-08:00).",
				},
				"all_tasks_created": map[string]any{
					"type":        "boolean",
					"description": "Set to true when every task in the most recent user message already appears in the previously-created list, instead of extracting anything.",
				},
			},
		},
	}
}

func (t *CreateTool) systemPrompt(history []llm.Message, created []string, cfg *types.UserConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the chat history %s, the assistant has decided to use the %s.\n\n%s\n",
		historyJSON(history), CreateToolName, userContext(cfg))
	b.WriteString("\nTASK CREATION RULES:\n")
	b.WriteString("- Extract exactly ONE task from the MOST RECENT user message. Earlier messages are context only.\n")
	b.WriteString("- 'today', 'tonight', 'this evening' mean the current date. Only use tomorrow's date if the user explicitly says 'tomorrow'.\n")
	b.WriteString("- A bare clock time means today. Do not silently move past times to another day; extract them as stated.\n")
	b.WriteString("- Return time_to_execute in ISO 8601 with the user's timezone offset.\n")
	if len(created) > 0 {
		b.WriteString("- The following tasks from this conversation were ALREADY created; skip them and extract a different one:\n")
		for _, desc := range created {
			fmt.Fprintf(&b, "  * %s\n", desc)
		}
		b.WriteString("- If every task in the most recent user message is in the list above, set all_tasks_created to true.\n")
	}
	return b.String()
}

// createdDescriptions lists the descriptions of tasks successfully created
// earlier in this conversation. Tasks that were merely listed or mentioned do
// not count.
func createdDescriptions(history []llm.Message) []string {
	var descs []string
	for _, m := range history {
		if m.Name != CreateToolName || m.Content == "" {
			continue
		}
		var res types.ToolResult
		if err := json.Unmarshal([]byte(m.Content), &res); err != nil || !res.Success {
			continue
		}
		if desc := res.TaskInfo.Description(); desc != "" {
			descs = append(descs, desc)
		}
	}
	return descs
}

func userID(cfg *types.UserConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.UserID
}
