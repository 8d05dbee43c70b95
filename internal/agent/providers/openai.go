package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kestrelai/runtime/internal/agent"
	"github.com/kestrelai/runtime/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.LLMProvider for OpenAI's chat completion
// API (the runtime's O-shape: system message folded into the message list,
// delta-index keyed tool-call accumulation, tool calls flushed once at
// finish_reason=="tool_calls" rather than streamed incrementally).
type OpenAIProvider struct {
	client     *openai.Client
	apiKey     string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{apiKey: apiKey, maxRetries: 3, retryDelay: time.Second}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Models returns the list of available OpenAI models.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192, SupportsVision: false},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385, SupportsVision: false},
	}
}

// SupportsTools reports that OpenAI chat models support tool calling.
func (p *OpenAIProvider) SupportsTools() bool { return true }

// ChatStream sends req to OpenAI and returns a channel of Chunks.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.Chunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	messages := p.convertMessages(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !p.isRetryableError(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", lastErr)
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *agent.Chunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream accumulates delta-index keyed tool-call fragments and
// flushes them as a single ToolCalls chunk once OpenAI reports
// finish_reason=="tool_calls", matching the O-shape's batch delivery
// (unlike the A-shape's per-delta incremental emission).
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var usage models.Usage

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.Chunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- &agent.Chunk{Kind: agent.ChunkDone, Usage: &usage}
				return
			}
			chunks <- &agent.Chunk{Err: err}
			return
		}

		if response.Usage != nil {
			usage = models.Usage{InputTokens: response.Usage.PromptTokens, OutputTokens: response.Usage.CompletionTokens}
		}

		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &agent.Chunk{Kind: agent.ChunkToken, Token: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{Kind: "function"}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Function.Arguments += tc.Function.Arguments
			}
		}

		if choice.FinishReason == "tool_calls" {
			flushed := make([]models.ToolCall, 0, len(toolCalls))
			for _, tc := range toolCalls {
				if tc.ID != "" && tc.Function.Name != "" {
					flushed = append(flushed, *tc)
				}
			}
			if len(flushed) > 0 {
				chunks <- &agent.Chunk{Kind: agent.ChunkToolCalls, ToolCalls: flushed}
			}
			toolCalls = make(map[int]*models.ToolCall)
		}
	}
}

// convertMessages converts runtime messages to OpenAI's chat message
// format, prepending a system message if one is set.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:       tc.ID,
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
					}
				}
			}
			result = append(result, oaiMsg)
		case "tool":
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}

	return result
}

// convertTools converts registered tool schemas to OpenAI's tool format.
func (p *OpenAIProvider) convertTools(tools []agent.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// isRetryableError classifies transient OpenAI errors as retryable.
func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(err)
}
