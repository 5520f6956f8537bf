package llm

// Message is one turn in an extractor conversation.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string

	// Content is the message text.
	Content string

	// Name optionally identifies the speaker.
	Name string

	// ToolCalls are the tool invocations an assistant turn requested.
	ToolCalls []ToolCall

	// ToolCallID identifies the call a "tool" turn answers.
	ToolCallID string
}

// ToolCall is a tool invocation emitted by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument payload.
	Arguments string
}

// ToolDefinition declares a tool offered to the model. The task extractors
// use these to describe the structured arguments they expect back.
type ToolDefinition struct {
	// Name is the tool's identifier, referenced by CompletionRequest.ToolChoice.
	Name string

	// Description tells the model when to pick this tool.
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any
}

// ModelCapabilities describes what a backing model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum combined input and output token count.
	ContextWindow int

	// MaxOutputTokens caps a single completion.
	MaxOutputTokens int

	// SupportsToolCalling reports native tool calling.
	SupportsToolCalling bool

	// SupportsVision reports image input support.
	SupportsVision bool

	// SupportsStreaming reports streaming completion support.
	SupportsStreaming bool
}
