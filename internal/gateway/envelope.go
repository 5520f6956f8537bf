package gateway

import (
	"encoding/json"
	"strings"
)

// clientEnvelope is one uplink frame from the device. Fields are optional;
// most frames carry only Audio.
type clientEnvelope struct {
	// Audio is a base64-encoded 16 kHz PCM chunk.
	Audio string `json:"audio,omitempty"`

	// Text is a free-form text frame. A text containing "stop" doubles as an
	// interrupt request from older firmware.
	Text string `json:"text,omitempty"`

	// Interrupt asks the gateway to cut current playback.
	Interrupt bool `json:"interrupt,omitempty"`

	// Turns carries either structured chat content or, from edge devices, the
	// wake command payload re-encoded as a JSON string.
	Turns json.RawMessage `json:"turns,omitempty"`

	// PendingMessage / PendingMessages flag an unread-message delivery request.
	PendingMessage  bool `json:"pending_message,omitempty"`
	PendingMessages bool `json:"pending_messages,omitempty"`

	// PendingTask flags a task reminder delivery request.
	PendingTask bool `json:"pending_task,omitempty"`

	// TaskID identifies the task to announce when PendingTask is set.
	TaskID string `json:"task_id,omitempty"`
}

// turnsPayload is the decoded form of clientEnvelope.Turns. Edge devices echo
// the wake command here, sometimes double-encoded as a JSON string.
type turnsPayload struct {
	Command         string            `json:"command,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	PendingMessages bool              `json:"pending_messages,omitempty"`
	PendingTask     bool              `json:"pending_task,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	Title           string            `json:"title,omitempty"`
	Description     string            `json:"description,omitempty"`
	Info            string            `json:"info,omitempty"`
	TaskInfo        map[string]string `json:"task_info,omitempty"`
	TimeToExecute   string            `json:"time_to_execute,omitempty"`

	// Message and Task carry direct chat content.
	Message string          `json:"message,omitempty"`
	Task    json.RawMessage `json:"task,omitempty"`
}

// parseTurns decodes the turns field, unwrapping the string-encoded variant.
// It returns nil when the field is absent or not an object.
func (e *clientEnvelope) parseTurns() *turnsPayload {
	raw := e.Turns
	if len(raw) == 0 {
		return nil
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = []byte(encoded)
	}
	var p turnsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}

// wantsInterrupt reports whether this frame asks to stop playback.
func (e *clientEnvelope) wantsInterrupt() bool {
	return e.Interrupt || (e.Text != "" && strings.Contains(strings.ToLower(e.Text), "stop"))
}

// wantsPendingMessages reports whether this frame requests unread-message
// delivery, either via top-level flags or the echoed wake command.
func (e *clientEnvelope) wantsPendingMessages(turns *turnsPayload) bool {
	if e.PendingMessage || e.PendingMessages {
		return true
	}
	return turns != nil && (turns.PendingMessages || turns.Reason == "text_message")
}

// wantsPendingTask reports whether this frame requests a task reminder.
func (e *clientEnvelope) wantsPendingTask(turns *turnsPayload) bool {
	if e.PendingTask {
		return true
	}
	return turns != nil && (turns.PendingTask || turns.Reason == "task")
}

// content extracts direct chat content from the turns payload. Task payloads
// are forwarded verbatim as JSON appended to any message text. The second
// return is false when the payload carries no chat content.
func (p *turnsPayload) content() (string, bool) {
	if p == nil {
		return "", false
	}
	if p.Message == "" && len(p.Task) == 0 {
		return "", false
	}
	text := p.Message
	if len(p.Task) != 0 {
		text += string(p.Task)
	}
	return text, true
}
