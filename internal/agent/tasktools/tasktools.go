// Package tasktools implements the task CRUD tool agents: create, get, edit,
// delete, and the terminal reply composer. Each agent mines its arguments
// from the conversation history with a schema-constrained extraction call,
// acts on the task store, and reports a structured result.
package tasktools

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// Tool agent names as offered to the selector.
const (
	CreateToolName = "create_tasks_tool"
	GetToolName    = "get_tasks_tool"
	EditToolName   = "edit_tasks_tool"
	DeleteToolName = "delete_tasks_tool"
	ReplyToolName  = "generate_response_tool"
)

// knownTask is a task reference recovered from the conversation history.
type knownTask struct {
	TaskID        string         `json:"task_id"`
	TaskInfo      types.TaskInfo `json:"task_info"`
	Status        string         `json:"status"`
	TimeToExecute string         `json:"time_to_execute"`
}

// latestUserMessage returns the content of the most recent user turn, or "".
func latestUserMessage(history []llm.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

// historyJSON renders the history for prompt embedding.
func historyJSON(history []llm.Message) string {
	type msg struct {
		Role    string `json:"role"`
		Name    string `json:"name,omitempty"`
		Content string `json:"content"`
	}
	out := make([]msg, 0, len(history))
	for _, m := range history {
		out = append(out, msg{Role: m.Role, Name: m.Name, Content: m.Content})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// knownTasksFromHistory recovers task references visible in the history: the
// results of earlier get/create/edit calls, plus task JSON embedded anywhere
// in message content (reminder payloads carry one). Later occurrences of the
// same task id win, so edits are reflected.
func knownTasksFromHistory(history []llm.Message) []knownTask {
	var found []knownTask
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Name {
		case GetToolName:
			var res struct {
				Tasks []knownTask `json:"tasks"`
			}
			if err := json.Unmarshal([]byte(m.Content), &res); err == nil {
				found = append(found, res.Tasks...)
			}
		case CreateToolName, EditToolName:
			var res struct {
				Success       bool           `json:"success"`
				TaskID        string         `json:"task_id"`
				TaskInfo      types.TaskInfo `json:"task_info"`
				Status        string         `json:"status"`
				TimeToExecute string         `json:"time_to_execute"`
			}
			if err := json.Unmarshal([]byte(m.Content), &res); err == nil && res.Success && res.TaskID != "" {
				found = append(found, knownTask{
					TaskID:        res.TaskID,
					TaskInfo:      res.TaskInfo,
					Status:        res.Status,
					TimeToExecute: res.TimeToExecute,
				})
			}
		default:
			if t, ok := embeddedTask(m.Content); ok {
				found = append(found, t)
			}
		}
	}

	// Deduplicate by task id, keeping the most recent reference.
	byID := make(map[string]int, len(found))
	var tasks []knownTask
	for _, t := range found {
		if t.TaskID == "" {
			continue
		}
		if idx, seen := byID[t.TaskID]; seen {
			tasks[idx] = t
			continue
		}
		byID[t.TaskID] = len(tasks)
		tasks = append(tasks, t)
	}
	return tasks
}

// embeddedTask pulls a task JSON object out of free text. Reminder turns look
// like "Remind the user about ... {\"task_id\":...}".
func embeddedTask(content string) (knownTask, bool) {
	idx := strings.Index(content, `"task_id"`)
	if idx < 0 {
		return knownTask{}, false
	}
	start := strings.LastIndex(content[:idx], "{")
	if start < 0 {
		return knownTask{}, false
	}
	depth := 0
	for i := start; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				var t knownTask
				if err := json.Unmarshal([]byte(content[start:i+1]), &t); err == nil && t.TaskID != "" {
					return t, true
				}
				return knownTask{}, false
			}
		}
	}
	return knownTask{}, false
}

// displayTime presents a stored execution time in the user's zone. Zoneless
// strings are treated as already being in the user's zone.
func displayTime(stored string, cfg *types.UserConfig) string {
	if stored == "" {
		return "N/A"
	}
	loc := time.UTC
	if cfg != nil && cfg.Location != nil {
		loc = cfg.Location
	}
	if t, err := time.Parse(time.RFC3339, stored); err == nil {
		return t.In(loc).Format("2006-01-02 15:04:05 MST (-0700)")
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", stored, loc); err == nil {
		return t.Format("2006-01-02 15:04:05 MST (-0700)")
	}
	return stored
}

// parseExecutionTime parses a model-supplied execution time. Offset-less
// times are interpreted in the user's zone.
func parseExecutionTime(raw string, cfg *types.UserConfig) (time.Time, error) {
	raw = strings.TrimSpace(strings.Replace(raw, "Z", "+00:00", 1))
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	loc := time.UTC
	if cfg != nil && cfg.Location != nil {
		loc = cfg.Location
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("tasktools: unparseable time %q", raw)
}

// userContext renders the shared prompt block describing who the user is and
// what time it is for them.
func userContext(cfg *types.UserConfig) string {
	name, timeStr, dateStr, tz := "the user", "unknown time", "unknown date", "UTC"
	if cfg != nil {
		if cfg.Name != "" {
			name = cfg.Name
		}
		if cfg.CurrentTimeStr != "" {
			timeStr = cfg.CurrentTimeStr
		}
		if cfg.CurrentDateStr != "" {
			dateStr = cfg.CurrentDateStr
		}
		if cfg.Timezone != "" {
			tz = cfg.Timezone
		}
	}
	return fmt.Sprintf("USER CONTEXT:\n- User name: %s\n- Current time: %s\n- Current date: %s\n- User timezone: %s",
		name, timeStr, dateStr, tz)
}
