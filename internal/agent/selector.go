package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/pkg/provider/llm"
)

// selectToolName is the meta-tool whose enum-constrained argument carries the
// selector's choice.
const selectToolName = "select_tool"

// Selector chooses the next tool to invoke given the conversation so far.
// The choice is a constrained extraction whose output schema is restricted
// to the enum of registered tool names.
type Selector struct {
	extractor *extract.Extractor
	registry  *Registry
	logger    *slog.Logger
}

// NewSelector builds a Selector over the given registry.
func NewSelector(extractor *extract.Extractor, registry *Registry, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{extractor: extractor, registry: registry, logger: logger}
}

// Select returns the names of the tools to invoke next, in order. Unknown
// names are skipped; an empty result is an error the caller must treat as
// fatal for the turn.
func (s *Selector) Select(ctx context.Context, history []llm.Message) ([]string, error) {
	args, err := s.extractor.Extract(ctx, extract.Request{
		History: history,
		Tool:    s.schema(),
		SystemPrompt: fmt.Sprintf(
			"Given the chat history, select the most appropriate tool to use.\n\nAvailable tools:\n%s",
			s.toolDescriptions()),
	})
	if err != nil {
		return nil, fmt.Errorf("agent: select tool: %w", err)
	}

	var names []string
	if name, ok := args["tool_name"].(string); ok {
		names = append(names, name)
	}
	if extra, ok := args["additional_tools"].([]any); ok {
		for _, v := range extra {
			if name, ok := v.(string); ok {
				names = append(names, name)
			}
		}
	}

	valid := names[:0]
	for _, name := range names {
		if s.registry.Get(name) == nil {
			s.logger.Warn("selector returned unknown tool, skipping", "tool", name)
			continue
		}
		valid = append(valid, name)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("agent: selector produced no valid tool name")
	}
	return valid, nil
}

func (s *Selector) schema() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        selectToolName,
		Description: "Selects the most appropriate tool to use and returns the name of the tool to use.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool_name": map[string]any{
					"type":        "string",
					"enum":        s.registry.Names(),
					"description": "The name of the tool to use.",
				},
			},
			"required": []string{"tool_name"},
		},
	}
}

func (s *Selector) toolDescriptions() string {
	var b strings.Builder
	for _, t := range s.registry.Tools() {
		fmt.Fprintf(&b, "%s: %s\n", t.Name(), t.Description())
	}
	return b.String()
}
