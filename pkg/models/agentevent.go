package models

// AgentEventType discriminates the variant carried by an AgentEvent.
type AgentEventType string

const (
	AgentEventToken             AgentEventType = "token"
	AgentEventToolStart         AgentEventType = "tool_start"
	AgentEventToolComplete      AgentEventType = "tool_complete"
	AgentEventToolError         AgentEventType = "tool_error"
	AgentEventNeedClarification AgentEventType = "need_clarification"
	AgentEventTodoListUpdated  AgentEventType = "todo_list_updated"
	AgentEventComplete          AgentEventType = "complete"
)

// AgentEvent is the event stream emitted by the agent loop to its
// consumer. Exactly one of the pointer/value fields matching Type is
// populated; callers should switch on Type rather than probing fields.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Token carries Type == AgentEventToken.
	Token string `json:"token,omitempty"`

	// ToolCallID identifies the tool call for ToolStart/ToolComplete/ToolError.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName carries Type == AgentEventToolStart.
	ToolName string `json:"tool_name,omitempty"`
	// ToolArguments carries Type == AgentEventToolStart (raw JSON string).
	ToolArguments string `json:"tool_arguments,omitempty"`
	// ToolResult carries Type == AgentEventToolComplete.
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	// ToolErrorMessage carries Type == AgentEventToolError.
	ToolErrorMessage string `json:"tool_error,omitempty"`

	// Question/Options carry Type == AgentEventNeedClarification.
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	// TodoList carries Type == AgentEventTodoListUpdated.
	TodoList *TodoList `json:"todo_list,omitempty"`

	// Usage carries Type == AgentEventComplete.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage reports token accounting for a completed round or run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewTokenEvent builds a Token event.
func NewTokenEvent(text string) AgentEvent {
	return AgentEvent{Type: AgentEventToken, Token: text}
}

// NewToolStartEvent builds a ToolStart event.
func NewToolStartEvent(callID, name, arguments string) AgentEvent {
	return AgentEvent{Type: AgentEventToolStart, ToolCallID: callID, ToolName: name, ToolArguments: arguments}
}

// NewToolCompleteEvent builds a ToolComplete event.
func NewToolCompleteEvent(callID string, result ToolResult) AgentEvent {
	return AgentEvent{Type: AgentEventToolComplete, ToolCallID: callID, ToolResult: &result}
}

// NewToolErrorEvent builds a ToolError event.
func NewToolErrorEvent(callID, message string) AgentEvent {
	return AgentEvent{Type: AgentEventToolError, ToolCallID: callID, ToolErrorMessage: message}
}

// NewNeedClarificationEvent builds a NeedClarification event.
func NewNeedClarificationEvent(question string, options []string) AgentEvent {
	return AgentEvent{Type: AgentEventNeedClarification, Question: question, Options: options}
}

// NewTodoListUpdatedEvent builds a TodoListUpdated event.
func NewTodoListUpdatedEvent(list *TodoList) AgentEvent {
	return AgentEvent{Type: AgentEventTodoListUpdated, TodoList: list}
}

// NewCompleteEvent builds a Complete event.
func NewCompleteEvent(usage Usage) AgentEvent {
	return AgentEvent{Type: AgentEventComplete, Usage: &usage}
}
