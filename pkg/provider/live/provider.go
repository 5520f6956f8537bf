// Package live defines the Provider interface for full-duplex audio model
// backends.
//
// A live provider wraps a real-time voice model that accepts raw audio input
// and returns synthesised audio output in a single stateful session. The
// model additionally emits speech transcriptions for both directions and may
// request tool calls mid-conversation; everything the server sends is
// surfaced on a single ordered Event stream so the consumer can interleave
// transcripts, audio, and tool handling correctly.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"time"
)

// FunctionDeclaration describes one tool offered to the live model.
type FunctionDeclaration struct {
	// Name is the function name the model calls.
	Name string

	// Description tells the model when the function applies.
	Description string

	// Behavior is the invocation mode, e.g. "NON_BLOCKING" for functions
	// whose results arrive asynchronously while the model keeps speaking.
	Behavior string

	// Parameters is the JSON schema of the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Instructions is the system-level prompt for the session.
	Instructions string

	// Voice selects the prebuilt voice for synthesised output.
	Voice string

	// Tools is the set of function declarations offered to the model.
	Tools []FunctionDeclaration

	// EnableSearch additionally offers the provider's built-in web search
	// tool, executed server-side without a round trip to us.
	EnableSearch bool

	// ResumptionHandle, when non-empty, resumes a previous session's context
	// instead of starting fresh. Handles arrive on EventResumptionUpdate.
	ResumptionHandle string
}

// EventType discriminates Event variants.
type EventType string

const (
	// EventAudio carries a chunk of synthesised output audio.
	EventAudio EventType = "audio"

	// EventInputTranscription carries a fragment of recognised user speech.
	EventInputTranscription EventType = "input_transcription"

	// EventOutputTranscription carries a fragment of the model's spoken text.
	EventOutputTranscription EventType = "output_transcription"

	// EventToolCall carries one or more function invocations.
	EventToolCall EventType = "tool_call"

	// EventInterrupted signals that the user barged in and the model stopped
	// generating; buffered playback should be discarded.
	EventInterrupted EventType = "interrupted"

	// EventTurnComplete signals the end of a model turn.
	EventTurnComplete EventType = "turn_complete"

	// EventGoAway warns that the server will terminate the connection soon.
	EventGoAway EventType = "go_away"

	// EventResumptionUpdate delivers a fresh session resumption handle.
	EventResumptionUpdate EventType = "resumption_update"
)

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse is the result of a FunctionCall sent back to the model.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any

	// Scheduling controls when a NON_BLOCKING response is folded into the
	// conversation. Implementations default it to "WHEN_IDLE" when empty.
	Scheduling string
}

// Event is one item of the session's ordered server stream. Type selects
// which of the remaining fields are meaningful.
type Event struct {
	Type EventType

	// Audio is the PCM chunk of an EventAudio.
	Audio []byte

	// Text is the transcription fragment of an Event{Input,Output}Transcription.
	Text string

	// Calls holds the invocations of an EventToolCall.
	Calls []FunctionCall

	// TimeLeft is the remaining connection lifetime of an EventGoAway.
	TimeLeft time.Duration

	// ResumptionHandle is the new handle of an EventResumptionUpdate.
	ResumptionHandle string
}

// Turn is one textual conversation turn injected into the session.
type Turn struct {
	// Role is "user" or "model".
	Role string

	// Text is the turn content.
	Text string
}

// Session is an open live conversation. It is an interface so test code can
// supply mock implementations without a provider connection.
//
// Callers must drain Events promptly and call Close when done.
type Session interface {
	// SendAudio delivers a raw PCM chunk (16 kHz, s16le, mono) to the model.
	// Returns an error if the session is closed.
	SendAudio(chunk []byte) error

	// SendTurns injects textual turns and marks the client turn complete, so
	// the model responds to them immediately.
	SendTurns(turns ...Turn) error

	// SendToolResponse returns function results to the model.
	SendToolResponse(responses ...FunctionResponse) error

	// Events returns the ordered server stream. The channel is closed when
	// the session ends; check Err afterwards for the cause.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean shutdown.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live audio model backend.
type Provider interface {
	// Connect establishes a new live session with the given configuration.
	// The returned Session is ready to accept audio immediately. The caller
	// owns the Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
