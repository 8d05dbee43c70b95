package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelai/runtime/internal/compose"
	"github.com/kestrelai/runtime/pkg/models"
)

// LoopConfig configures a single agent loop run.
type LoopConfig struct {
	// MaxRounds caps the number of stream→execute-tools→continue rounds.
	// Default: 10.
	MaxRounds int

	// SkipInitialUserMessage, when true, does not append the initial
	// message as a user-role turn (e.g. when it was already appended by
	// the caller).
	SkipInitialUserMessage bool

	// SystemPrompt is the base system prompt, before skill/tool-guide
	// context is concatenated onto it.
	SystemPrompt string

	// SkillManager, if set, supplies the "## Available Skills" section
	// content.
	SkillManager SkillManager

	// CompositionExecutor, if set, is consulted before the tool registry
	// for tool calls whose arguments describe a composition expression.
	CompositionExecutor *compose.Executor

	// ToolRegistry resolves and executes plain (non-composed) tool calls.
	ToolRegistry *ToolRegistry

	// AdditionalToolSchemas are merged into the registry's schemas
	// (deduplicated by name, registry wins on collision) before each
	// provider call.
	AdditionalToolSchemas []ToolSchema

	// Storage persists todo-list and pending-question state when set.
	Storage SessionStorage

	// MetricsCollector, if set, observes round/tool/completion counts.
	MetricsCollector MetricsCollector
}

// SkillManager supplies the context injected under the "## Available
// Skills" system-prompt marker.
type SkillManager interface {
	Context(ctx context.Context, session *models.Session) (string, error)
}

// MetricsCollector observes loop activity for external reporting.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	RecordRound(sessionID string, round int)
	RecordToolCall(sessionID, toolName string, success bool)
	RecordCompletion(sessionID string, usage models.Usage)
}

// SessionStorage is the subset of session persistence the loop needs to
// keep todo-list and pending-question state durable across rounds.
type SessionStorage interface {
	Update(ctx context.Context, session *models.Session) error
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{MaxRounds: 10}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultLoopConfig().MaxRounds
	}
	return &cfg
}

const (
	skillsMarker    = "## Available Skills"
	toolGuideMarker = "## Tool Usage Guidelines"
	todoListMarker  = "## Current Task List:"
)

// AgenticLoop drives a session through round-based LLM/tool turns: stream
// from the provider, execute any requested tools, and continue until the
// model stops requesting tools, a clarification is needed, or max_rounds is
// exhausted.
type AgenticLoop struct {
	provider LLMProvider
	config   *LoopConfig
	sink     EventSink
}

// NewAgenticLoop creates a loop bound to a provider, event sink, and config.
func NewAgenticLoop(provider LLMProvider, sink EventSink, config *LoopConfig) *AgenticLoop {
	if sink == nil {
		sink = NopSink{}
	}
	return &AgenticLoop{
		provider: provider,
		config:   sanitizeLoopConfig(config),
		sink:     sink,
	}
}

// Run executes the loop against session, appending the initial message
// (unless SkipInitialUserMessage) and returning once a Complete event has
// been emitted or the loop exhausts max_rounds / needs clarification.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, initialMessage string) error {
	l.assemblePrompt(ctx, session)

	if !l.config.SkipInitialUserMessage {
		session.AppendMessage(models.Message{Role: models.RoleUser, Content: initialMessage})
	}

	var lastUsage models.Usage
	completed := false

	for round := 0; round < l.config.MaxRounds; round++ {
		l.injectTodoList(session)

		select {
		case <-ctx.Done():
			return &LoopError{Phase: PhaseStream, Iteration: round, Cause: ctx.Err()}
		default:
		}

		if l.config.MetricsCollector != nil {
			l.config.MetricsCollector.RecordRound(session.ID, round)
		}

		schemas := l.resolveToolSchemas()

		text, toolCalls, usage, err := l.streamRound(ctx, session, schemas)
		if err != nil {
			return &LoopError{Phase: PhaseStream, Iteration: round, Cause: err}
		}
		lastUsage = usage

		if len(toolCalls) == 0 {
			session.AppendMessage(models.Message{Role: models.RoleAssistant, Content: text})
			l.emitComplete(ctx, session, usage)
			completed = true
			break
		}

		session.AppendMessage(models.Message{Role: models.RoleAssistant, Content: text, ToolCalls: toolCalls})

		awaitingClarification, err := l.executeToolsPhase(ctx, session, toolCalls)
		if err != nil {
			return &LoopError{Phase: PhaseExecuteTools, Iteration: round, Cause: err}
		}
		if awaitingClarification {
			break
		}
	}

	if !completed {
		l.emitComplete(ctx, session, lastUsage)
	}
	return nil
}

func (l *AgenticLoop) emitComplete(ctx context.Context, session *models.Session, usage models.Usage) {
	l.sink.Emit(ctx, models.NewCompleteEvent(usage))
	if l.config.MetricsCollector != nil {
		l.config.MetricsCollector.RecordCompletion(session.ID, usage)
	}
}

// assemblePrompt builds the system message by concatenating the base
// prompt, skill-manager context, and a tool guide generated from the
// resolved tool schema set, stripping any prior injection of either marker
// first so repeated calls are idempotent.
func (l *AgenticLoop) assemblePrompt(ctx context.Context, session *models.Session) {
	base := stripMarkerSection(l.config.SystemPrompt, skillsMarker)
	base = stripMarkerSection(base, toolGuideMarker)

	var b strings.Builder
	b.WriteString(base)

	if l.config.SkillManager != nil {
		if skillCtx, err := l.config.SkillManager.Context(ctx, session); err == nil && skillCtx != "" {
			b.WriteString("\n\n")
			b.WriteString(skillsMarker)
			b.WriteString("\n")
			b.WriteString(skillCtx)
		}
	}

	if guide := l.toolGuide(); guide != "" {
		b.WriteString("\n\n")
		b.WriteString(toolGuideMarker)
		b.WriteString("\n")
		b.WriteString(guide)
	}

	setSystemMessage(session, b.String())
}

// toolGuide renders a one-line-per-tool usage guide from the resolved tool
// schema set.
func (l *AgenticLoop) toolGuide() string {
	schemas := l.resolveToolSchemas()
	if len(schemas) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// injectTodoList refreshes the "## Current Task List:" section of the
// system message from the session's current todo list, replacing any
// prior injection so repeated calls are idempotent.
func (l *AgenticLoop) injectTodoList(session *models.Session) {
	if len(session.Messages) == 0 || session.Messages[0].Role != models.RoleSystem {
		return
	}
	content := stripMarkerSection(session.Messages[0].Content, todoListMarker)

	if session.TodoList != nil && len(session.TodoList.Items) > 0 {
		var b strings.Builder
		b.WriteString(content)
		b.WriteString("\n\n")
		b.WriteString(todoListMarker)
		b.WriteString("\n")
		for _, item := range session.TodoList.Items {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", item.ID, item.Description, item.Status)
		}
		content = b.String()
	}
	session.Messages[0].Content = content
}

// stripMarkerSection removes a previously-injected "## Marker\n..." section
// (running to the next "\n\n## " or end of string) so re-injection doesn't
// accumulate duplicate sections.
func stripMarkerSection(content, marker string) string {
	idx := strings.Index(content, marker)
	if idx < 0 {
		return content
	}
	before := strings.TrimRight(content[:idx], "\n")
	rest := content[idx+len(marker):]
	next := strings.Index(rest, "\n\n## ")
	if next < 0 {
		return before
	}
	return before + rest[next:]
}

func setSystemMessage(session *models.Session, content string) {
	if len(session.Messages) > 0 && session.Messages[0].Role == models.RoleSystem {
		session.Messages[0].Content = content
		return
	}
	session.Messages = append([]models.Message{{Role: models.RoleSystem, Content: content}}, session.Messages...)
}

// resolveToolSchemas merges the registry's schemas with
// AdditionalToolSchemas, deduplicated by name (registry wins).
func (l *AgenticLoop) resolveToolSchemas() []ToolSchema {
	var schemas []ToolSchema
	seen := map[string]bool{}
	if l.config.ToolRegistry != nil {
		for _, s := range l.config.ToolRegistry.Schemas() {
			schemas = append(schemas, s)
			seen[s.Name] = true
		}
	}
	for _, s := range l.config.AdditionalToolSchemas {
		if !seen[s.Name] {
			schemas = append(schemas, s)
			seen[s.Name] = true
		}
	}
	return schemas
}

// streamRound calls the provider, consuming its chunk stream: emitting
// Token events and accumulating tool-call fragments by index until Done.
func (l *AgenticLoop) streamRound(ctx context.Context, session *models.Session, schemas []ToolSchema) (string, []models.ToolCall, models.Usage, error) {
	system, rest := splitSystemMessage(session.Messages)
	req := &CompletionRequest{
		System:   system,
		Messages: toCompletionMessages(rest),
		Tools:    schemas,
		Stream:   true,
	}

	chunks, err := l.provider.ChatStream(ctx, req)
	if err != nil {
		return "", nil, models.Usage{}, err
	}

	var text strings.Builder
	var usage models.Usage
	var toolCalls []models.ToolCall

	for chunk := range chunks {
		if chunk.Err != nil {
			return "", nil, models.Usage{}, chunk.Err
		}
		switch chunk.Kind {
		case ChunkToken:
			if chunk.Token != "" {
				text.WriteString(chunk.Token)
				l.sink.Emit(ctx, models.NewTokenEvent(chunk.Token))
			}
		case ChunkToolCalls:
			toolCalls = chunk.ToolCalls
		case ChunkDone:
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}

	return text.String(), toolCalls, usage, nil
}

// executeToolsPhase executes each tool call in order, emitting ToolStart/
// ToolComplete/ToolError events and handling the recognized tool-name side
// effects. Returns true if a clarification is now pending and the round
// loop should stop.
func (l *AgenticLoop) executeToolsPhase(ctx context.Context, session *models.Session, toolCalls []models.ToolCall) (bool, error) {
	for _, tc := range toolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}

		l.sink.Emit(ctx, models.NewToolStartEvent(tc.ID, tc.Function.Name, args))

		if outcome, handled := l.handleSideEffect(ctx, session, tc, args); handled {
			if outcome == outcomeAwaitingClarification {
				return true, nil
			}
			continue
		}

		result, err := l.executeTool(ctx, tc.Function.Name, args)
		if err != nil {
			if l.config.MetricsCollector != nil {
				l.config.MetricsCollector.RecordToolCall(session.ID, tc.Function.Name, false)
			}
			l.sink.Emit(ctx, models.NewToolErrorEvent(tc.ID, err.Error()))
			session.AppendMessage(models.Message{
				Role:       models.RoleTool,
				Content:    "Error: " + err.Error(),
				ToolCallID: tc.ID,
			})
			continue
		}

		if l.config.MetricsCollector != nil {
			l.config.MetricsCollector.RecordToolCall(session.ID, tc.Function.Name, result.Success)
		}
		l.sink.Emit(ctx, models.NewToolCompleteEvent(tc.ID, result))
		session.AppendMessage(models.Message{
			Role:       models.RoleTool,
			Content:    result.Result,
			ToolCallID: tc.ID,
		})
	}
	return false, nil
}

// executeTool dispatches a tool call to the composition executor (if the
// arguments describe a composition expression) or the plain tool registry.
func (l *AgenticLoop) executeTool(ctx context.Context, name, arguments string) (models.ToolResult, error) {
	if l.config.CompositionExecutor != nil {
		if expr, ok := decodeComposition(name, arguments); ok {
			return l.config.CompositionExecutor.Eval(ctx, expr)
		}
	}
	if l.config.ToolRegistry == nil {
		return models.ToolResult{}, NewToolError(name, fmt.Errorf("no tool registry configured")).WithType(ToolErrorNotFound)
	}
	return l.config.ToolRegistry.Execute(ctx, name, arguments)
}

// decodeComposition recognizes the single reserved composition tool name
// and decodes its arguments as a models.Expr. Every other tool name is a
// plain call.
func decodeComposition(name, arguments string) (models.Expr, bool) {
	if name != "compose" {
		return models.Expr{}, false
	}
	var expr models.Expr
	if err := json.Unmarshal([]byte(arguments), &expr); err != nil {
		return models.Expr{}, false
	}
	return expr, true
}

type sideEffectOutcome int

const (
	outcomeContinue sideEffectOutcome = iota
	outcomeAwaitingClarification
)

// handleSideEffect implements the four recognized tool-name side effects.
// Returns handled=false for any other tool name.
func (l *AgenticLoop) handleSideEffect(ctx context.Context, session *models.Session, tc models.ToolCall, arguments string) (sideEffectOutcome, bool) {
	switch tc.Function.Name {
	case "create_todo_list":
		l.createTodoList(ctx, session, arguments)
		return outcomeContinue, true
	case "update_todo_item":
		l.updateTodoItem(ctx, session, arguments)
		return outcomeContinue, true
	case "ask_user":
		l.askUser(ctx, session, tc, arguments)
		return outcomeAwaitingClarification, true
	default:
		return outcomeContinue, false
	}
}

func (l *AgenticLoop) createTodoList(ctx context.Context, session *models.Session, arguments string) {
	var payload struct {
		Title string `json:"title"`
		Items []struct {
			ID          string   `json:"id"`
			Description string   `json:"description"`
			DependsOn   []string `json:"depends_on"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(arguments), &payload); err != nil {
		return
	}

	list := &models.TodoList{SessionID: session.ID, Title: payload.Title}
	for _, item := range payload.Items {
		list.Items = append(list.Items, models.TodoItem{
			ID:          item.ID,
			Description: item.Description,
			Status:      models.TodoStatusPending,
			DependsOn:   item.DependsOn,
		})
	}
	session.TodoList = list
	l.persist(ctx, session)
	l.sink.Emit(ctx, models.NewTodoListUpdatedEvent(list))
}

func (l *AgenticLoop) updateTodoItem(ctx context.Context, session *models.Session, arguments string) {
	var payload struct {
		ItemID string `json:"item_id"`
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(arguments), &payload); err != nil || session.TodoList == nil {
		return
	}
	item := session.TodoList.Find(payload.ItemID)
	if item == nil {
		return // unknown item id: warn-and-continue per spec, nothing to mutate
	}
	if payload.Status != "" {
		item.Status = models.TodoItemStatus(payload.Status)
	}
	if payload.Notes != "" {
		item.Notes = payload.Notes
	}
	l.persist(ctx, session)
	l.sink.Emit(ctx, models.NewTodoListUpdatedEvent(session.TodoList))
}

func (l *AgenticLoop) askUser(ctx context.Context, session *models.Session, tc models.ToolCall, arguments string) {
	var payload struct {
		Question    string   `json:"question"`
		Options     []string `json:"options"`
		AllowCustom bool     `json:"allow_custom"`
	}
	_ = json.Unmarshal([]byte(arguments), &payload)

	session.AppendMessage(models.Message{
		Role:       models.RoleTool,
		Content:    "Waiting for user response to: " + payload.Question,
		ToolCallID: tc.ID,
	})
	session.PendingQuestion = &models.PendingQuestion{
		ToolCallID:  tc.ID,
		Question:    payload.Question,
		Options:     payload.Options,
		AllowCustom: payload.AllowCustom,
	}
	l.persist(ctx, session)
	l.sink.Emit(ctx, models.NewNeedClarificationEvent(payload.Question, payload.Options))
}

func (l *AgenticLoop) persist(ctx context.Context, session *models.Session) {
	if l.config.Storage != nil {
		_ = l.config.Storage.Update(ctx, session)
	}
}

// splitSystemMessage pulls a leading system-role message out into its own
// string (providers carry system instructions as a dedicated field, not as
// a message in the conversation) and returns the remaining messages.
func splitSystemMessage(messages []models.Message) (string, []models.Message) {
	if len(messages) == 0 || messages[0].Role != models.RoleSystem {
		return "", messages
	}
	return messages[0].Content, messages[1:]
}

func toCompletionMessages(messages []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = CompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}
