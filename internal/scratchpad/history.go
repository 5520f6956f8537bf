package scratchpad

import (
	"fmt"
	"strings"

	"github.com/voxpin/voxpin/pkg/provider/llm"
)

// AlreadyProcessedReply is returned in place of a fresh reply when the same
// utterance was already answered earlier in the session.
const AlreadyProcessedReply = "This request has already been processed. Please check the previous response."

// acknowledgmentPhrases are brief filler replies that do not count as having
// answered the user.
var acknowledgmentPhrases = []string{"let me check", "one moment", "looking", "checking"}

// AlreadyProcessed reports whether userInput was already handled somewhere in
// the entries: an identical normalized user turn followed, before the next
// user turn, by either a completed function-call result or a substantive
// agent reply. Short acknowledgments do not count.
func AlreadyProcessed(entries []Entry, userInput string) bool {
	current := NormalizeText(userInput)
	if current == "" {
		return false
	}
	for i, e := range entries {
		if !isUserTurn(e) || NormalizeText(e.Content) != current {
			continue
		}
		for _, later := range entries[i+1:] {
			if isUserTurn(later) {
				break
			}
			if isCompletedCall(later) {
				return true
			}
			if isSubstantiveReply(later) {
				return true
			}
		}
	}
	return false
}

func isUserTurn(e Entry) bool {
	return (e.Format == FormatText || e.Format == FormatAudio) &&
		e.Source == SourceUser && e.Content != ""
}

func isCompletedCall(e Entry) bool {
	if e.Format != FormatFunctionCall || e.Source != SourceAgent {
		return false
	}
	result, ok := e.Response["result"]
	return ok && result != nil && result != ""
}

func isSubstantiveReply(e Entry) bool {
	if e.Format != FormatText && e.Format != FormatAudio {
		return false
	}
	if e.Source != SourceAgent || e.Content == "" {
		return false
	}
	lower := strings.ToLower(e.Content)
	for _, phrase := range acknowledgmentPhrases {
		if strings.Contains(lower, phrase) && len(e.Content) < 50 {
			return false
		}
	}
	return len(e.Content) > 20
}

// BuildChatHistory converts scratchpad entries into the message list handed
// to the extraction and selection models. Fragmented user transcripts that
// duplicate userInput are dropped, and completed function calls are folded in
// as assistant context so agents can see what was already done.
func BuildChatHistory(entries []Entry, userInput string) []llm.Message {
	var history []llm.Message
	for _, e := range entries {
		switch e.Format {
		case FormatText, FormatAudio:
			if e.Content == "" {
				continue
			}
			if e.Source == SourceUser {
				if ShouldSkipFragment(e.Content, userInput) {
					continue
				}
				history = append(history, llm.Message{Role: "user", Content: e.Content})
			} else {
				history = append(history, llm.Message{Role: "assistant", Content: e.Content})
			}
		case FormatFunctionCall:
			if e.Source != SourceAgent {
				continue
			}
			result, ok := e.Response["result"]
			if !ok || result == nil || result == "" {
				continue
			}
			name := e.Name
			if name == "" {
				name = "tool"
			}
			// Raw tool responses come first so later turns can resolve
			// task ids from them.
			if raw, ok := e.Response["tool_responses"].([]any); ok {
				for _, tr := range raw {
					m, ok := tr.(map[string]any)
					if !ok {
						continue
					}
					trName, _ := m["name"].(string)
					trContent, _ := m["content"].(string)
					if trName == "" || trContent == "" {
						continue
					}
					history = append(history, llm.Message{Role: "assistant", Name: trName, Content: trContent})
				}
			}
			history = append(history, llm.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("[Completed in previous interaction via %s]: %v", name, result),
			})
		}
	}
	return history
}
