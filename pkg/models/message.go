// Package models defines the core data types shared across the agent
// runtime: sessions, messages, tool calls, composition expressions,
// permissions, and checkpoints.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a session's conversation history.
//
// Invariants: every tool-role message's ToolCallID references an earlier
// assistant message's tool-call id in the same session; system messages,
// when present, precede all other roles; after any assistant message
// carrying tool calls, the messages that follow (up to the next assistant
// message) are tool-role replies for each of those ids, in any order,
// followed at most by one pending-question gate.
type Message struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall is a single tool invocation intent emitted by the provider.
// Arguments is a JSON string and may be a partial fragment while the
// provider's stream is still assembling it; the adapter is responsible for
// producing a complete string before dispatch.
type ToolCall struct {
	ID       string           `json:"id"`
	Kind     string           `json:"kind"` // always "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the callee name and its JSON-string arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewToolCall builds a function-kind tool call.
func NewToolCall(id, name, arguments string) ToolCall {
	return ToolCall{ID: id, Kind: "function", Function: ToolCallFunction{Name: name, Arguments: arguments}}
}

// DecodeArguments parses a tool call's JSON-string arguments. An empty
// string is treated as invalid JSON and defaulted to an empty object
// rather than passed through to json.Unmarshal (see Open Question 2).
func (tc ToolCall) DecodeArguments(v any) error {
	raw := tc.Function.Arguments
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), v)
}

// ToolResult is the outcome of executing a tool or a composition expression.
type ToolResult struct {
	Success           bool   `json:"success"`
	Result            string `json:"result"`
	DisplayPreference string `json:"display_preference,omitempty"`
}

// PendingQuestion records an outstanding ask_user gate on a session.
type PendingQuestion struct {
	ToolCallID  string   `json:"tool_call_id"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	AllowCustom bool     `json:"allow_custom,omitempty"`
}

// Session is a single conversation thread: an ordered message history plus
// optional todo-list and pending-clarification state.
type Session struct {
	ID              string           `json:"id"`
	CreatedAt       time.Time        `json:"created_at"`
	Messages        []Message        `json:"messages"`
	TodoList        *TodoList        `json:"todo_list,omitempty"`
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`
}

// AppendMessage appends a message to the session history.
func (s *Session) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
}

// LastAssistantToolCalls returns the tool calls of the most recent assistant
// message, or nil if the last assistant message carried none.
func (s *Session) LastAssistantToolCalls() []ToolCall {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].ToolCalls
		}
	}
	return nil
}
