package agent

import (
	"context"
	"encoding/json"

	"github.com/kestrelai/runtime/pkg/models"
)

// LLMProvider is the uniform streaming interface presented by both
// provider shapes (A-shape and O-shape) to the rest of the runtime.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call ChatStream simultaneously for different requests.
type LLMProvider interface {
	// ChatStream sends a request and returns a channel of chunks. The
	// channel is closed once a Done chunk has been delivered or an error
	// terminates the stream.
	ChatStream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for a provider completion call.
type CompletionRequest struct {
	Model            string               `json:"model"`
	System           string               `json:"system,omitempty"`
	Messages         []CompletionMessage  `json:"messages"`
	Tools            []ToolSchema         `json:"tools,omitempty"`
	MaxOutputTokens  int                  `json:"max_output_tokens,omitempty"`
	Stream           bool                 `json:"stream"`
}

// CompletionMessage is a single message in the conversation passed to a
// provider, derived from models.Message.
type CompletionMessage struct {
	Role        string            `json:"role"`
	Content     string            `json:"content,omitempty"`
	ToolCalls   []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
}

// ToolSchema is the provider-facing description of a registered tool: its
// name, description, and JSON Schema parameters, as presented to the LLM
// for function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChunkKind discriminates a Chunk.
type ChunkKind string

const (
	ChunkToken     ChunkKind = "token"
	ChunkToolCalls ChunkKind = "tool_calls"
	ChunkDone      ChunkKind = "done"
)

// Chunk is a single element of a provider's streamed output: a tagged
// union over Token(string) / ToolCalls(partial ToolCall list) / Done.
// Streams are lazy, finite, and non-restartable.
type Chunk struct {
	Kind ChunkKind `json:"kind"`

	// Token carries Kind == ChunkToken.
	Token string `json:"token,omitempty"`

	// ToolCalls carries Kind == ChunkToolCalls. Each entry's
	// Function.Arguments may be a partial JSON fragment; callers
	// accumulate fragments by index/id until the stream finishes.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// Usage is populated on the terminal Done chunk.
	Usage *models.Usage `json:"usage,omitempty"`

	// Err terminates the stream when non-nil; no further chunks follow.
	Err error `json:"-"`
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the interface every registered tool implements. Polymorphism
// over tools is via this four-method interface rather than a class
// hierarchy.
type Tool interface {
	// Name returns the tool's registered name.
	Name() string

	// Description returns a natural-language description shown to the LLM.
	Description() string

	// ParametersSchema returns the tool's JSON Schema parameter definition.
	ParametersSchema() json.RawMessage

	// Execute runs the tool against the given JSON-string arguments.
	Execute(ctx context.Context, arguments string) (models.ToolResult, error)
}

// ToolEventStore persists tool calls and results for audit and replay.
// Optional: if nil, tool events are not persisted separately from
// messages.
type ToolEventStore interface {
	AddToolCall(ctx context.Context, sessionID, messageID string, call models.ToolCall) error
	AddToolResult(ctx context.Context, sessionID, messageID string, call models.ToolCall, result models.ToolResult) error
}
