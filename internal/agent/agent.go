// Package agent defines the tool-agent abstraction driven by the orchestrator.
//
// A Tool mines the conversation history for its arguments via a constrained
// model call, acts on the task store, and returns a JSON-serialisable result
// that is appended back into the history for later turns to read.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// Tool is a single tool agent.
type Tool interface {
	// Name is the stable identifier offered to the selector.
	Name() string

	// Description tells the selector when this tool applies.
	Description() string

	// Execute runs the tool against the conversation history. Implementations
	// return an error only for infrastructure failures; domain-level refusals
	// are expressed as a ToolResult with Success=false.
	Execute(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (*types.ToolResult, error)
}

// Registry holds the registered tools in a stable order.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates a Registry containing the given tools. Registration
// order is preserved for prompt construction.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Name()]; dup {
			continue
		}
		r.order = append(r.order, t.Name())
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the named tool, or nil when unknown.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ResultMessage renders a tool result as the assistant-role history message
// appended after execution.
func ResultMessage(toolName string, result *types.ToolResult) (llm.Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return llm.Message{}, fmt.Errorf("agent: marshal %s result: %w", toolName, err)
	}
	return llm.Message{Role: "assistant", Name: toolName, Content: string(data)}, nil
}

// FailureResult converts a tool execution error into the structured result
// appended to the history so the loop can continue.
func FailureResult(err error) *types.ToolResult {
	return &types.ToolResult{Success: false, Message: fmt.Sprintf("Error executing tool: %v", err)}
}
