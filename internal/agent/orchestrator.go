package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxpin/voxpin/internal/scratchpad"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// Loop bounds. The selector is nondeterministic; these caps guarantee every
// turn terminates.
const (
	MaxTotalCalls          = 10
	MaxConsecutiveSameTool = 3
)

// ApologyReply is returned when the selector fails and no reply can be
// composed.
const ApologyReply = "I'm sorry, I wasn't able to process that request. Could you try again?"

// Outcome is the result of one orchestrated turn.
type Outcome struct {
	// Reply is the final user-visible string.
	Reply string

	// History is the full conversation history including tool results, for
	// recording on the scratchpad.
	History []llm.Message

	// ToolCalls is the number of tool executions performed.
	ToolCalls int
}

// Orchestrator drives the Selector → Tool → history loop until the terminal
// reply tool produces the user-visible string.
type Orchestrator struct {
	registry  *Registry
	selector  *Selector
	replyName string
	logger    *slog.Logger
}

// NewOrchestrator builds an Orchestrator. replyName identifies the terminal
// reply tool inside the registry.
func NewOrchestrator(registry *Registry, selector *Selector, replyName string, logger *slog.Logger) (*Orchestrator, error) {
	if registry.Get(replyName) == nil {
		return nil, fmt.Errorf("agent: reply tool %q is not registered", replyName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:  registry,
		selector:  selector,
		replyName: replyName,
		logger:    logger,
	}, nil
}

// Think processes one user utterance against the scratchpad snapshot and
// returns the reply. The snapshot is never mutated; the caller appends the
// returned history to its own records as it sees fit.
//
// If the same normalized utterance was already answered in the snapshot, the
// sentinel already-processed reply is returned without invoking any tool.
func (o *Orchestrator) Think(ctx context.Context, userInput string, snapshot []scratchpad.Entry, cfg *types.UserConfig) (*Outcome, error) {
	if scratchpad.AlreadyProcessed(snapshot, userInput) {
		o.logger.Info("duplicate user input, skipping orchestration",
			"input", truncate(userInput, 50))
		return &Outcome{Reply: scratchpad.AlreadyProcessedReply}, nil
	}

	history := scratchpad.BuildChatHistory(snapshot, userInput)
	history = append(history, llm.Message{Role: "user", Content: userInput})

	totalCalls := 0
	consecutive := 0
	previousTool := ""
	forceReply := false

	for !forceReply {
		names, err := o.selector.Select(ctx, history)
		if err != nil {
			o.logger.Error("tool selection failed", "error", err)
			return &Outcome{Reply: ApologyReply, History: history, ToolCalls: totalCalls}, nil
		}

		for i, name := range names {
			if name == o.replyName {
				forceReply = true
				break
			}
			if totalCalls >= MaxTotalCalls {
				o.logger.Warn("total tool call limit reached, forcing reply",
					"limit", MaxTotalCalls)
				forceReply = true
				break
			}
			if name == previousTool {
				consecutive++
				if consecutive > MaxConsecutiveSameTool {
					o.logger.Warn("consecutive same-tool limit reached, forcing reply",
						"tool", name, "limit", MaxConsecutiveSameTool)
					forceReply = true
					break
				}
			} else {
				consecutive = 1
				previousTool = name
			}

			tool := o.registry.Get(name)
			result, err := tool.Execute(ctx, history, cfg)
			if err != nil {
				o.logger.Warn("tool execution failed", "tool", name, "error", err)
				result = FailureResult(err)
			}
			totalCalls++

			msg, err := ResultMessage(name, result)
			if err != nil {
				return nil, err
			}
			history = append(history, msg)

			// Short-circuits apply after the last tool of this selection.
			if i == len(names)-1 && shortCircuit(name, result) {
				forceReply = true
			}
		}
	}

	reply, err := o.composeReply(ctx, history, cfg)
	if err != nil {
		o.logger.Error("reply composition failed", "error", err)
		return &Outcome{Reply: ApologyReply, History: history, ToolCalls: totalCalls}, nil
	}
	return &Outcome{Reply: reply, History: history, ToolCalls: totalCalls}, nil
}

func (o *Orchestrator) composeReply(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (string, error) {
	result, err := o.registry.Get(o.replyName).Execute(ctx, history, cfg)
	if err != nil {
		return "", err
	}
	if result == nil || result.Message == "" {
		return "", fmt.Errorf("agent: reply tool returned no content")
	}
	return result.Message, nil
}

// shortCircuit reports whether the loop must jump straight to the reply tool
// after this result. Successful mutations and any well-formed query result
// end the turn; without this the selector tends to re-select the same tool.
func shortCircuit(toolName string, result *types.ToolResult) bool {
	if result == nil {
		return false
	}
	switch toolName {
	case "get_tasks_tool":
		return result.Tasks != nil || result.TotalCount != nil
	case "edit_tasks_tool", "delete_tasks_tool":
		return result.Success
	case "create_tasks_tool":
		return result.Success || result.Status == "all_tasks_created" || result.Status == "invalid_time"
	}
	return false
}

// FunctionResponse renders the outcome as the function-call response payload
// recorded on the scratchpad and sent back to the live model.
func (o *Outcome) FunctionResponse() map[string]any {
	resp := map[string]any{"result": o.Reply}
	var toolResponses []any
	for _, m := range o.History {
		if m.Role == "assistant" && m.Name != "" && m.Content != "" {
			toolResponses = append(toolResponses, map[string]any{"name": m.Name, "content": m.Content})
		}
	}
	if toolResponses != nil {
		resp["tool_responses"] = toolResponses
	}
	return resp
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
