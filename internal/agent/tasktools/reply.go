package tasktools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// replySystemPrompt frames the terminal composition call. The anti-
// hallucination directive keeps the reply anchored to what the tools
// actually reported.
const replySystemPrompt = "Generate the assistant's reply to the user from the chat history. " +
	"Base the reply ONLY on information present in the history, especially the tool results; " +
	"never invent tasks, times, or outcomes that no tool reported. " +
	"If a task query returned an empty list, say the user has no tasks in that range; " +
	"never describe an empty result as an error or an access problem. " +
	"Keep the reply short and conversational, suitable for being spoken aloud."

// ReplyTool composes the final user-visible reply from the conversation
// history. It never mutates state and always ends the turn.
type ReplyTool struct {
	extractor *extract.Extractor
	logger    *slog.Logger
}

// NewReplyTool builds the terminal reply composer.
func NewReplyTool(extractor *extract.Extractor, logger *slog.Logger) *ReplyTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyTool{extractor: extractor, logger: logger}
}

func (t *ReplyTool) Name() string { return ReplyToolName }

func (t *ReplyTool) Description() string {
	return "Generate the assistant's response to the user. This is the final tool called " +
		"before the response is sent back."
}

// Execute produces the reply string in the result's Message field.
func (t *ReplyTool) Execute(ctx context.Context, history []llm.Message, cfg *types.UserConfig) (*types.ToolResult, error) {
	reply, err := t.extractor.Text(ctx, replySystemPrompt, history)
	if err != nil {
		return nil, fmt.Errorf("tasktools: compose reply: %w", err)
	}
	return &types.ToolResult{Success: true, Message: reply}, nil
}
