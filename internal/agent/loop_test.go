package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/kestrelai/runtime/pkg/models"
)

// loopTestProvider returns one pre-scripted chunk sequence per ChatStream
// call, advancing through responses on each successive call.
type loopTestProvider struct {
	mu        sync.Mutex
	responses [][]Chunk
	calls     int
}

func (p *loopTestProvider) ChatStream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()

	ch := make(chan *Chunk, 16)
	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			ch <- &Chunk{Kind: ChunkDone}
			return
		}
		for i := range p.responses[call] {
			c := p.responses[call][i]
			select {
			case ch <- &c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *loopTestProvider) Name() string       { return "loop-test" }
func (p *loopTestProvider) Models() []Model    { return nil }
func (p *loopTestProvider) SupportsTools() bool { return true }

// recordingSink captures every event emitted, in order.
type recordingSink struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

func (s *recordingSink) Emit(ctx context.Context, e models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t models.AgentEventType) []models.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AgentEvent
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type loopTestTool struct {
	name     string
	execFunc func(ctx context.Context, arguments string) (models.ToolResult, error)
}

func (t *loopTestTool) Name() string                     { return t.name }
func (t *loopTestTool) Description() string              { return "test tool" }
func (t *loopTestTool) ParametersSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (t *loopTestTool) Execute(ctx context.Context, arguments string) (models.ToolResult, error) {
	return t.execFunc(ctx, arguments)
}

func TestDefaultLoopConfig(t *testing.T) {
	config := DefaultLoopConfig()
	if config.MaxRounds != 10 {
		t.Errorf("MaxRounds = %d, want 10", config.MaxRounds)
	}
}

func TestAgenticLoop_NoToolCalls(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToken, Token: "Hello, "},
				{Kind: ChunkToken, Token: "how can I help?"},
				{Kind: ChunkDone, Usage: &models.Usage{InputTokens: 5, OutputTokens: 5}},
			},
		},
	}
	sink := &recordingSink{}
	loop := NewAgenticLoop(provider, sink, DefaultLoopConfig())

	session := &models.Session{ID: "session-1"}
	if err := loop.Run(context.Background(), session, "hi"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.byType(models.AgentEventComplete)) != 1 {
		t.Fatalf("expected exactly one Complete event")
	}

	last := session.Messages[len(session.Messages)-1]
	if last.Role != models.RoleAssistant || last.Content != "Hello, how can I help?" {
		t.Errorf("final message = %+v, want assistant 'Hello, how can I help?'", last)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestAgenticLoop_SingleToolCall(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{
					models.NewToolCall("call-1", "echo", `{"text":"test"}`),
				}},
				{Kind: ChunkDone},
			},
			{
				{Kind: ChunkToken, Token: "The tool returned: test"},
				{Kind: ChunkDone},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&loopTestTool{
		name: "echo",
		execFunc: func(ctx context.Context, arguments string) (models.ToolResult, error) {
			var p struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal([]byte(arguments), &p)
			return models.ToolResult{Success: true, Result: p.Text}, nil
		},
	})

	sink := &recordingSink{}
	config := DefaultLoopConfig()
	config.ToolRegistry = registry
	loop := NewAgenticLoop(provider, sink, config)

	session := &models.Session{ID: "session-1"}
	if err := loop.Run(context.Background(), session, "echo test"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	starts := sink.byType(models.AgentEventToolStart)
	completes := sink.byType(models.AgentEventToolComplete)
	if len(starts) != 1 || len(completes) != 1 {
		t.Fatalf("got %d starts, %d completes, want 1 each", len(starts), len(completes))
	}
	if completes[0].ToolResult.Result != "test" {
		t.Errorf("tool result = %q, want %q", completes[0].ToolResult.Result, "test")
	}

	var toolMsg *models.Message
	for i := range session.Messages {
		if session.Messages[i].Role == models.RoleTool {
			toolMsg = &session.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "call-1" {
		t.Fatalf("expected a tool-role message paired to call-1, got %+v", toolMsg)
	}

	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
}

func TestAgenticLoop_ToolError(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{
					models.NewToolCall("call-1", "failing", `{}`),
				}},
				{Kind: ChunkDone},
			},
			{
				{Kind: ChunkToken, Token: "Tool failed"},
				{Kind: ChunkDone},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&loopTestTool{
		name: "failing",
		execFunc: func(ctx context.Context, arguments string) (models.ToolResult, error) {
			return models.ToolResult{}, NewToolError("failing", ErrToolTimeout).WithType(ToolErrorTimeout)
		},
	})

	sink := &recordingSink{}
	config := DefaultLoopConfig()
	config.ToolRegistry = registry
	loop := NewAgenticLoop(provider, sink, config)

	session := &models.Session{ID: "session-1"}
	if err := loop.Run(context.Background(), session, "test"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.byType(models.AgentEventToolError)) != 1 {
		t.Fatal("expected one ToolError event")
	}

	var toolMsg *models.Message
	for i := range session.Messages {
		if session.Messages[i].Role == models.RoleTool {
			toolMsg = &session.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.Content[:6] != "Error:" {
		t.Fatalf("expected synthetic 'Error: ...' tool message, got %+v", toolMsg)
	}
}

func TestAgenticLoop_CreateTodoList(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{
					models.NewToolCall("call-1", "create_todo_list", `{"title":"plan","items":[{"id":"1","description":"step one"}]}`),
				}},
				{Kind: ChunkDone},
			},
			{
				{Kind: ChunkToken, Token: "ok"},
				{Kind: ChunkDone},
			},
		},
	}

	sink := &recordingSink{}
	loop := NewAgenticLoop(provider, sink, DefaultLoopConfig())

	session := &models.Session{ID: "session-1"}
	if err := loop.Run(context.Background(), session, "plan it"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if session.TodoList == nil || len(session.TodoList.Items) != 1 {
		t.Fatalf("expected a todo list with 1 item, got %+v", session.TodoList)
	}
	if len(sink.byType(models.AgentEventTodoListUpdated)) != 1 {
		t.Error("expected one TodoListUpdated event")
	}
}

func TestAgenticLoop_UpdateTodoItemUnknownID(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{
					models.NewToolCall("call-1", "update_todo_item", `{"item_id":"missing","status":"done"}`),
				}},
				{Kind: ChunkDone},
			},
			{
				{Kind: ChunkToken, Token: "ok"},
				{Kind: ChunkDone},
			},
		},
	}

	sink := &recordingSink{}
	loop := NewAgenticLoop(provider, sink, DefaultLoopConfig())

	session := &models.Session{
		ID: "session-1",
		TodoList: &models.TodoList{
			SessionID: "session-1",
			Items:     []models.TodoItem{{ID: "1", Status: models.TodoStatusPending}},
		},
	}
	if err := loop.Run(context.Background(), session, "update"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if session.TodoList.Items[0].Status != models.TodoStatusPending {
		t.Error("unknown item id must not mutate the list")
	}
}

func TestAgenticLoop_AskUserStopsRound(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{
					models.NewToolCall("call-1", "ask_user", `{"question":"which color?","options":["red","blue"]}`),
				}},
				{Kind: ChunkDone},
			},
		},
	}

	sink := &recordingSink{}
	loop := NewAgenticLoop(provider, sink, DefaultLoopConfig())

	session := &models.Session{ID: "session-1"}
	if err := loop.Run(context.Background(), session, "pick one"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if session.PendingQuestion == nil || session.PendingQuestion.Question != "which color?" {
		t.Fatalf("expected a pending question, got %+v", session.PendingQuestion)
	}
	if len(sink.byType(models.AgentEventNeedClarification)) != 1 {
		t.Error("expected one NeedClarification event")
	}
	// The provider must not be called again once awaiting clarification.
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}

	var toolMsg *models.Message
	for i := range session.Messages {
		if session.Messages[i].Role == models.RoleTool {
			toolMsg = &session.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "call-1" {
		t.Fatal("expected a tool-role placeholder message for the ask_user call")
	}
}

func TestAgenticLoop_MaxRoundsExhaustedEmitsComplete(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{models.NewToolCall("call-1", "noop", `{}`)}},
				{Kind: ChunkDone},
			},
			{
				{Kind: ChunkToolCalls, ToolCalls: []models.ToolCall{models.NewToolCall("call-2", "noop", `{}`)}},
				{Kind: ChunkDone},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&loopTestTool{
		name: "noop",
		execFunc: func(ctx context.Context, arguments string) (models.ToolResult, error) {
			return models.ToolResult{Success: true, Result: "ok"}, nil
		},
	})

	sink := &recordingSink{}
	config := DefaultLoopConfig()
	config.MaxRounds = 2
	config.ToolRegistry = registry
	loop := NewAgenticLoop(provider, sink, config)

	session := &models.Session{ID: "session-1"}
	if err := loop.Run(context.Background(), session, "loop forever"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.byType(models.AgentEventComplete)) != 1 {
		t.Fatal("expected a final Complete event once max_rounds is exhausted")
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
}

type staticSkillManager struct{ context string }

func (m staticSkillManager) Context(ctx context.Context, session *models.Session) (string, error) {
	return m.context, nil
}

func TestAgenticLoop_PromptAssemblyIsIdempotent(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{{Kind: ChunkToken, Token: "ok"}, {Kind: ChunkDone}},
		},
	}
	sink := &recordingSink{}
	config := DefaultLoopConfig()
	config.SystemPrompt = "base prompt"
	config.SkillManager = staticSkillManager{context: "skill A"}

	registry := NewToolRegistry()
	registry.Register(&loopTestTool{
		name:     "echo",
		execFunc: func(ctx context.Context, arguments string) (models.ToolResult, error) { return models.ToolResult{}, nil },
	})
	config.ToolRegistry = registry

	loop := NewAgenticLoop(provider, sink, config)
	session := &models.Session{ID: "session-1"}

	loop.assemblePrompt(context.Background(), session)
	first := session.Messages[0].Content
	loop.assemblePrompt(context.Background(), session)
	second := session.Messages[0].Content

	if first != second {
		t.Errorf("assemblePrompt is not idempotent:\nfirst:  %q\nsecond: %q", first, second)
	}
	if count := countOccurrences(second, skillsMarker); count != 1 {
		t.Errorf("skills marker appears %d times, want 1", count)
	}
}

func TestAgenticLoop_InjectTodoListIsIdempotent(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{{Kind: ChunkToken, Token: "ok"}, {Kind: ChunkDone}},
		},
	}
	sink := &recordingSink{}
	loop := NewAgenticLoop(provider, sink, DefaultLoopConfig())

	session := &models.Session{ID: "session-1"}
	loop.assemblePrompt(context.Background(), session)

	session.TodoList = &models.TodoList{Items: []models.TodoItem{{ID: "1", Description: "do it", Status: models.TodoStatusPending}}}
	loop.injectTodoList(session)
	loop.injectTodoList(session)

	content := session.Messages[0].Content
	if count := countOccurrences(content, todoListMarker); count != 1 {
		t.Errorf("todo list marker appears %d times, want 1", count)
	}
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
		}
	}
	return count
}

func TestAgenticLoop_SkipInitialUserMessage(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]Chunk{
			{{Kind: ChunkToken, Token: "ok"}, {Kind: ChunkDone}},
		},
	}
	sink := &recordingSink{}
	config := DefaultLoopConfig()
	config.SkipInitialUserMessage = true
	loop := NewAgenticLoop(provider, sink, config)

	session := &models.Session{ID: "session-1"}
	session.AppendMessage(models.Message{Role: models.RoleUser, Content: "already appended"})

	if err := loop.Run(context.Background(), session, "should not be appended"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, m := range session.Messages {
		if m.Content == "should not be appended" {
			t.Error("SkipInitialUserMessage must not append the initial message")
		}
	}
}

func TestAgenticLoop_StreamError(t *testing.T) {
	provider := &loopTestProvider{}
	provider.responses = [][]Chunk{
		{{Kind: ChunkToken, Token: "partial"}, {Err: errTestStream}},
	}
	sink := &recordingSink{}
	loop := NewAgenticLoop(provider, sink, DefaultLoopConfig())

	session := &models.Session{ID: "session-1"}
	err := loop.Run(context.Background(), session, "test")
	if err == nil {
		t.Fatal("expected an error from the stream")
	}
	loopErr, ok := err.(*LoopError)
	if !ok {
		t.Fatalf("expected *LoopError, got %T", err)
	}
	if loopErr.Phase != PhaseStream {
		t.Errorf("phase = %s, want %s", loopErr.Phase, PhaseStream)
	}
}

var errTestStream = &streamTestError{}

type streamTestError struct{}

func (e *streamTestError) Error() string { return "streaming failed" }
