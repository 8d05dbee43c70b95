package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelai/runtime/internal/tools/policy"
	"github.com/kestrelai/runtime/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of a tool call's JSON arguments (10MB).
	MaxToolArgsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Name lookup uses a normalizer (case-folded, whitespace trimmed,
// alias-resolved); Register rejects duplicate normalized names.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry under its normalized name. Returns
// an error if a tool with the same normalized name is already registered.
func (r *ToolRegistry) Register(tool Tool) error {
	name := policy.NormalizeTool(tool.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name())
	}
	r.tools[name] = tool
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, policy.NormalizeTool(name))
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[policy.NormalizeTool(name)]
	return tool, ok
}

// Execute runs a tool by name with the given JSON-string arguments. Returns
// a ToolError wrapping ToolErrorNotFound if the tool is unknown, or
// ToolErrorInvalidInput if name/arguments exceed size limits; both are
// type-errors in dispatch, never a ToolResult.
func (r *ToolRegistry) Execute(ctx context.Context, name, arguments string) (models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return models.ToolResult{}, NewToolError(name, fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)).WithType(ToolErrorInvalidInput)
	}
	if len(arguments) > MaxToolArgsSize {
		return models.ToolResult{}, NewToolError(name, fmt.Errorf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)).WithType(ToolErrorInvalidInput)
	}

	tool, ok := r.Get(name)
	if !ok {
		return models.ToolResult{}, NewToolError(name, fmt.Errorf("%w: %s", ErrToolNotFound, name)).WithType(ToolErrorNotFound)
	}
	return tool.Execute(ctx, arguments)
}

// Tools returns all registered tools, in no particular order.
func (r *ToolRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Schemas returns the provider-facing ToolSchema for every registered tool.
func (r *ToolRegistry) Schemas() []ToolSchema {
	tools := r.Tools()
	schemas := make([]ToolSchema, 0, len(tools))
	for _, t := range tools {
		schemas = append(schemas, ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParametersSchema(),
		})
	}
	return schemas
}
