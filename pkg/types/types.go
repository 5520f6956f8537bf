// Package types defines the shared types used across all voxpin packages.
//
// These types form the lingua franca between the store, the gateway, the tool
// agents, and the deferred-delivery pipeline. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending marks a task that has not been completed yet.
	TaskPending TaskStatus = "pending"

	// TaskCompleted marks a task the user has finished.
	TaskCompleted TaskStatus = "completed"
)

// IsValid reports whether s is a recognised task status.
func (s TaskStatus) IsValid() bool {
	return s == TaskPending || s == TaskCompleted
}

// TaskInfo is the free-form payload of a task. It minimally contains an
// "info" key holding the human-readable description.
type TaskInfo map[string]string

// Description returns the human-readable task description, or "" when unset.
func (ti TaskInfo) Description() string {
	if ti == nil {
		return ""
	}
	return ti["info"]
}

// Task is a user reminder persisted in the task store.
//
// TimeToExecute is stored exactly as the user specified it, timezone offset
// included. Conversion to another zone happens only at presentation time.
type Task struct {
	// ID is the opaque unique task identifier.
	ID string `json:"task_id"`

	// UserID identifies the owning user.
	UserID string `json:"user_id"`

	// Info is the free-form payload; Info["info"] holds the description.
	Info TaskInfo `json:"task_info"`

	// Status is "pending" or "completed".
	Status TaskStatus `json:"status"`

	// TimeToExecute is the absolute instant the reminder fires.
	TimeToExecute time.Time `json:"time_to_execute"`
}

// Session is the per-user gateway session row. There is at most one row per
// user; IsActive flips to true on gateway connect and false on disconnect.
type Session struct {
	UserID   string
	IsActive bool

	// Scratchpad is an optional JSON snapshot of the in-memory conversation
	// log, persisted on teardown and cleared on deactivation.
	Scratchpad []byte
}

// Message is a text message ingested through the REST surface and later
// narrated to the user by the gateway.
type Message struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// UserConfig carries everything the tool agents need to know about the user
// on whose behalf they act.
type UserConfig struct {
	// UserID identifies the user.
	UserID string

	// Name is the display name, "first last" or "the user" when unknown.
	Name string

	// Timezone is the IANA zone name, defaulting to "UTC".
	Timezone string

	// Location is the parsed Timezone. Never nil after userconf.Load.
	Location *time.Location

	// CurrentTimeStr and CurrentDateStr are presentation strings computed in
	// the user's zone, e.g. "Tuesday, August 25, 2026 at 07:45 AM (PDT)".
	CurrentTimeStr string
	CurrentDateStr string
}

// Now returns the current instant in the user's zone.
func (uc UserConfig) Now() time.Time {
	if uc.Location == nil {
		return time.Now().UTC()
	}
	return time.Now().In(uc.Location)
}

// ToolResult is the JSON-serialisable outcome of a tool agent execution.
// Success and Message are always present; the remaining fields are
// type-specific and omitted when empty.
type ToolResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Status carries non-retryable outcome markers such as
	// "all_tasks_created" or "invalid_time".
	Status string `json:"status,omitempty"`

	// TaskID is set by the task-mutating agents.
	TaskID string `json:"task_id,omitempty"`

	// TaskInfo echoes the affected task payload where useful.
	TaskInfo TaskInfo `json:"task_info,omitempty"`

	// TimeToExecute echoes the affected task's execution time in RFC 3339,
	// offset preserved, so later turns can resolve the task again.
	TimeToExecute string `json:"time_to_execute,omitempty"`

	// Tasks and TotalCount are set by the get-tasks agent.
	Tasks      []Task `json:"tasks,omitempty"`
	TotalCount *int   `json:"total_count,omitempty"`

	// TimeRange describes the queried window of a get-tasks call.
	TimeRange string `json:"time_range,omitempty"`
}

// TaskJob is the queue payload for a scheduled task reminder. Title is the
// first line of the description, capped at 50 characters.
type TaskJob struct {
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	PendingTask    bool   `json:"pending_task"`
	PendingMessage bool   `json:"pending_message"`
}

// TextMessageJob is the queue payload for a deferred text-message delivery.
type TextMessageJob struct {
	MessageType    string `json:"message_type"`
	UserID         string `json:"user_id"`
	ChatID         string `json:"chat_id"`
	PendingTask    bool   `json:"pending_task"`
	PendingMessage bool   `json:"pending_message"`
	MessageID      string `json:"message_id,omitempty"`
}

// WakeCommand is the control-plane payload pushed to an edge device to make
// it open a new gateway session and replay the triggering job.
type WakeCommand struct {
	Command string `json:"command"`
	Reason  string `json:"reason"`
	UserID  string `json:"user_id"`
	Payload any    `json:"payload,omitempty"`
}

// Wake reasons carried in WakeCommand.Reason and echoed back by the device in
// its turns envelope.
const (
	WakeReasonTask        = "task"
	WakeReasonTextMessage = "text_message"
)

// WakeCommandStart is the only command the device understands.
const WakeCommandStart = "start_websocket"
