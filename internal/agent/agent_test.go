package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/internal/scratchpad"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/types"
)

// stubTool is a Tool with canned behavior.
type stubTool struct {
	name        string
	description string
	results     []*types.ToolResult
	err         error
	calls       int
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return s.description }

func (s *stubTool) Execute(_ context.Context, _ []llm.Message, _ *types.UserConfig) (*types.ToolResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return &types.ToolResult{Success: true, Message: "ok"}, nil
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res, nil
}

// scriptedProvider answers successive Complete calls from a fixed list. When
// the list runs out it keeps repeating the last response.
type scriptedProvider struct {
	responses []*llm.CompletionResponse
	err       error
	calls     int
}

func (p *scriptedProvider) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("scriptedProvider: no responses configured")
	}
	idx := p.calls - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return nil, errors.New("scriptedProvider: streaming not supported")
}

func (p *scriptedProvider) CountTokens([]llm.Message) (int, error) { return 0, nil }

func (p *scriptedProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

var _ llm.Provider = (*scriptedProvider)(nil)

// selection builds the provider response the selector expects for one choice.
func selection(toolNames ...string) *llm.CompletionResponse {
	args := map[string]any{"tool_name": toolNames[0]}
	if len(toolNames) > 1 {
		extra := make([]any, 0, len(toolNames)-1)
		for _, n := range toolNames[1:] {
			extra = append(extra, n)
		}
		args["additional_tools"] = extra
	}
	data, _ := json.Marshal(args)
	return &llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{Name: selectToolName, Arguments: string(data)}},
	}
}

func replyTool(reply string) *stubTool {
	return &stubTool{
		name:        "generate_response_tool",
		description: "compose the reply",
		results:     []*types.ToolResult{{Success: true, Message: reply}},
	}
}

func newTestOrchestrator(t *testing.T, provider llm.Provider, tools ...Tool) *Orchestrator {
	t.Helper()
	registry := NewRegistry(tools...)
	selector := NewSelector(extract.New(provider, nil), registry, nil)
	o, err := NewOrchestrator(registry, selector, "generate_response_tool", nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_OrderAndDedup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(
		&stubTool{name: "b"},
		&stubTool{name: "a"},
		&stubTool{name: "b"},
	)
	names := r.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Errorf("Names() = %v, want [b a] in registration order", names)
	}
	if r.Get("c") != nil {
		t.Error("Get of unknown name must return nil")
	}
}

func TestResultMessage(t *testing.T) {
	t.Parallel()

	msg, err := ResultMessage("get_tasks_tool", &types.ToolResult{Success: true, Message: "found"})
	if err != nil {
		t.Fatalf("ResultMessage: %v", err)
	}
	if msg.Role != "assistant" || msg.Name != "get_tasks_tool" {
		t.Errorf("message = %+v", msg)
	}
	var res types.ToolResult
	if err := json.Unmarshal([]byte(msg.Content), &res); err != nil || !res.Success {
		t.Errorf("content %q does not round-trip: %v", msg.Content, err)
	}
}

// ── Selector ──────────────────────────────────────────────────────────────────

func TestSelector_Select(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&stubTool{name: "get_tasks_tool"}, &stubTool{name: "create_tasks_tool"})

	tests := []struct {
		name     string
		response *llm.CompletionResponse
		want     []string
		wantErr  bool
	}{
		{
			name:     "single choice",
			response: selection("get_tasks_tool"),
			want:     []string{"get_tasks_tool"},
		},
		{
			name:     "additional tools kept in order",
			response: selection("get_tasks_tool", "create_tasks_tool"),
			want:     []string{"get_tasks_tool", "create_tasks_tool"},
		},
		{
			name:     "unknown names skipped",
			response: selection("made_up_tool", "create_tasks_tool"),
			want:     []string{"create_tasks_tool"},
		},
		{
			name:     "no valid name is an error",
			response: selection("made_up_tool"),
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := &scriptedProvider{responses: []*llm.CompletionResponse{tt.response}}
			s := NewSelector(extract.New(provider, nil), registry, nil)

			got, err := s.Select(context.Background(), []llm.Message{{Role: "user", Content: "hi"}})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Select = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Select = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSelector_SchemaIsEnumOfRegisteredNames(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&stubTool{name: "get_tasks_tool"}, &stubTool{name: "edit_tasks_tool"})
	s := NewSelector(nil, registry, nil)

	def := s.schema()
	props := def.Parameters["properties"].(map[string]any)
	enum := props["tool_name"].(map[string]any)["enum"].([]string)
	if len(enum) != 2 || enum[0] != "get_tasks_tool" || enum[1] != "edit_tasks_tool" {
		t.Errorf("enum = %v", enum)
	}
}

// ── Orchestrator ──────────────────────────────────────────────────────────────

func TestOrchestrator_AlreadyProcessedShortCircuits(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{}
	o := newTestOrchestrator(t, provider, replyTool("hi"))

	snapshot := []scratchpad.Entry{
		{Source: scratchpad.SourceUser, Format: scratchpad.FormatText, Content: "what do I have tomorrow"},
		{
			Source:   scratchpad.SourceAgent,
			Format:   scratchpad.FormatFunctionCall,
			Name:     "send_text_input",
			Response: map[string]any{"result": "You have no tasks tomorrow."},
		},
	}
	out, err := o.Think(context.Background(), "What do I have  tomorrow", snapshot, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.Reply != scratchpad.AlreadyProcessedReply {
		t.Errorf("Reply = %q, want the already-processed sentinel", out.Reply)
	}
	if out.ToolCalls != 0 || provider.calls != 0 {
		t.Errorf("duplicate input must not invoke any tool or model call")
	}
}

func TestOrchestrator_DirectReplySelection(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		selection("generate_response_tool"),
	}}
	reply := replyTool("Hello there!")
	o := newTestOrchestrator(t, provider, reply)

	out, err := o.Think(context.Background(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.Reply != "Hello there!" {
		t.Errorf("Reply = %q", out.Reply)
	}
	if out.ToolCalls != 0 {
		t.Errorf("ToolCalls = %d, want 0 for a direct reply", out.ToolCalls)
	}
}

func TestOrchestrator_GetResultShortCircuitsToReply(t *testing.T) {
	t.Parallel()

	count := 0
	get := &stubTool{
		name: "get_tasks_tool",
		results: []*types.ToolResult{{
			Success:    true,
			Message:    "Found 0 task(s) in the requested range.",
			TotalCount: &count,
		}},
	}
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		selection("get_tasks_tool"),
	}}
	o := newTestOrchestrator(t, provider, get, replyTool("You have no tasks tomorrow."))

	out, err := o.Think(context.Background(), "what do I have tomorrow", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.Reply != "You have no tasks tomorrow." {
		t.Errorf("Reply = %q", out.Reply)
	}
	if out.ToolCalls != 1 || get.calls != 1 {
		t.Errorf("ToolCalls = %d, get executions = %d, want exactly one", out.ToolCalls, get.calls)
	}
	// One selection, no second round.
	if provider.calls != 1 {
		t.Errorf("selector invoked %d times, want 1", provider.calls)
	}
}

func TestOrchestrator_ConsecutiveSameToolLimit(t *testing.T) {
	t.Parallel()

	// Never short-circuits: not successful, no terminal status.
	create := &stubTool{
		name:    "create_tasks_tool",
		results: []*types.ToolResult{{Success: false, Message: "Could not extract a task."}},
	}
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		selection("create_tasks_tool"),
	}}
	o := newTestOrchestrator(t, provider, create, replyTool("Sorry, I could not create that task."))

	out, err := o.Think(context.Background(), "remind me", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if create.calls != MaxConsecutiveSameTool {
		t.Errorf("create executed %d times, want %d before forcing the reply", create.calls, MaxConsecutiveSameTool)
	}
	if out.Reply != "Sorry, I could not create that task." {
		t.Errorf("Reply = %q", out.Reply)
	}
}

func TestOrchestrator_TotalCallLimit(t *testing.T) {
	t.Parallel()

	get := &stubTool{
		name:    "get_tasks_tool",
		results: []*types.ToolResult{{Success: false, Message: "nope"}},
	}
	create := &stubTool{
		name:    "create_tasks_tool",
		results: []*types.ToolResult{{Success: false, Message: "nope"}},
	}
	var responses []*llm.CompletionResponse
	for i := 0; i < MaxTotalCalls+1; i++ {
		if i%2 == 0 {
			responses = append(responses, selection("get_tasks_tool"))
		} else {
			responses = append(responses, selection("create_tasks_tool"))
		}
	}
	provider := &scriptedProvider{responses: responses}
	o := newTestOrchestrator(t, provider, get, create, replyTool("done"))

	out, err := o.Think(context.Background(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.ToolCalls != MaxTotalCalls {
		t.Errorf("ToolCalls = %d, want the hard cap %d", out.ToolCalls, MaxTotalCalls)
	}
	if out.Reply != "done" {
		t.Errorf("Reply = %q", out.Reply)
	}
}

func TestOrchestrator_ToolErrorBecomesFailureResult(t *testing.T) {
	t.Parallel()

	get := &stubTool{name: "get_tasks_tool", err: errors.New("store unavailable")}
	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		selection("get_tasks_tool"),
		selection("generate_response_tool"),
	}}
	o := newTestOrchestrator(t, provider, get, replyTool("Something went wrong, sorry."))

	out, err := o.Think(context.Background(), "what do I have", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.Reply != "Something went wrong, sorry." {
		t.Errorf("Reply = %q", out.Reply)
	}
	var found bool
	for _, m := range out.History {
		if m.Name == "get_tasks_tool" && strings.Contains(m.Content, "store unavailable") {
			found = true
		}
	}
	if !found {
		t.Error("tool error must be recorded in the history as a failure result")
	}
}

func TestOrchestrator_SelectorFailureYieldsApology(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{err: errors.New("backend down")}
	o := newTestOrchestrator(t, provider, replyTool("unused"))

	out, err := o.Think(context.Background(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.Reply != ApologyReply {
		t.Errorf("Reply = %q, want the apology fallback", out.Reply)
	}
}

func TestOrchestrator_ReplyFailureYieldsApology(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: []*llm.CompletionResponse{
		selection("generate_response_tool"),
	}}
	reply := &stubTool{name: "generate_response_tool", err: errors.New("compose failed")}
	o := newTestOrchestrator(t, provider, reply)

	out, err := o.Think(context.Background(), "hello", nil, nil)
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if out.Reply != ApologyReply {
		t.Errorf("Reply = %q, want the apology fallback", out.Reply)
	}
}

func TestOrchestrator_RequiresRegisteredReplyTool(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&stubTool{name: "get_tasks_tool"})
	if _, err := NewOrchestrator(registry, nil, "generate_response_tool", nil); err == nil {
		t.Fatal("expected error for unregistered reply tool")
	}
}

func TestOutcome_FunctionResponse(t *testing.T) {
	t.Parallel()

	out := &Outcome{
		Reply: "You have 1 task tomorrow.",
		History: []llm.Message{
			{Role: "user", Content: "what do I have tomorrow"},
			{Role: "assistant", Name: "get_tasks_tool", Content: `{"success":true}`},
		},
	}
	resp := out.FunctionResponse()
	if resp["result"] != "You have 1 task tomorrow." {
		t.Errorf("result = %v", resp["result"])
	}
	toolResponses, ok := resp["tool_responses"].([]any)
	if !ok || len(toolResponses) != 1 {
		t.Fatalf("tool_responses = %v", resp["tool_responses"])
	}
	entry := toolResponses[0].(map[string]any)
	if entry["name"] != "get_tasks_tool" {
		t.Errorf("entry = %v", entry)
	}
}
