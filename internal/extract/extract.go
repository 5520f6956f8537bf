// Package extract performs schema-constrained argument extraction against an
// auxiliary language model. A single tool definition is offered and the model
// is forced to call it, so the reply is always a JSON object matching the
// declared parameter schema rather than free text.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voxpin/voxpin/pkg/provider/llm"
)

// Request describes one constrained extraction call.
type Request struct {
	// SystemPrompt frames the extraction task.
	SystemPrompt string

	// History is prior conversation context, oldest first.
	History []llm.Message

	// UserInput is the utterance to mine. Appended after History as the final
	// user message.
	UserInput string

	// Tool declares the output schema. The model must call this tool.
	Tool llm.ToolDefinition
}

// Extractor drives constrained extraction calls through an [llm.Provider].
// Wrap the provider in a fallback group to get failover across backends.
type Extractor struct {
	provider llm.Provider
	logger   *slog.Logger
}

// New creates an Extractor. A nil logger falls back to slog.Default.
func New(provider llm.Provider, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{provider: provider, logger: logger}
}

// Extract runs the constrained call and returns the decoded tool arguments.
// Temperature is pinned to zero so repeated extractions of the same utterance
// agree.
func (e *Extractor) Extract(ctx context.Context, req Request) (map[string]any, error) {
	if req.Tool.Name == "" {
		return nil, fmt.Errorf("extract: tool name is required")
	}

	messages := make([]llm.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	if req.UserInput != "" {
		messages = append(messages, llm.Message{Role: "user", Content: req.UserInput})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("extract: no messages to extract from")
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		Tools:        []llm.ToolDefinition{req.Tool},
		ToolChoice:   req.Tool.Name,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: completion: %w", err)
	}

	for _, tc := range resp.ToolCalls {
		if tc.Name != req.Tool.Name {
			e.logger.Debug("skipping stray tool call", "tool", tc.Name, "want", req.Tool.Name)
			continue
		}
		args := map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return nil, fmt.Errorf("extract: decode %s arguments: %w", req.Tool.Name, err)
			}
		}
		return args, nil
	}
	return nil, fmt.Errorf("extract: model returned no %s call", req.Tool.Name)
}

// Text runs a plain completion without tools, for agents that produce a final
// user-visible string.
func (e *Extractor) Text(ctx context.Context, systemPrompt string, history []llm.Message) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("extract: no messages to complete")
	}
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     history,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("extract: completion: %w", err)
	}
	if resp.Content == "" {
		return "", fmt.Errorf("extract: model returned empty content")
	}
	return resp.Content, nil
}
