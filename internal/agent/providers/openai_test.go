package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kestrelai/runtime/internal/agent"
	"github.com/kestrelai/runtime/pkg/models"
)

func TestConvertToOpenAIMessages(t *testing.T) {
	tests := []struct {
		name     string
		messages []agent.CompletionMessage
		system   string
		wantLen  int
	}{
		{
			name: "basic text messages",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "Hello"},
				{Role: "assistant", Content: "Hi there!"},
			},
			system:  "You are a helpful assistant",
			wantLen: 3,
		},
		{
			name: "message with tool calls",
			messages: []agent.CompletionMessage{
				{Role: "user", Content: "What's the weather?"},
				{
					Role:      "assistant",
					Content:   "",
					ToolCalls: []models.ToolCall{models.NewToolCall("call_123", "get_weather", `{"location":"NYC"}`)},
				},
			},
			wantLen: 2,
		},
		{
			name: "tool result message",
			messages: []agent.CompletionMessage{
				{Role: "tool", ToolCallID: "call_123", Content: "Sunny, 72F"},
			},
			wantLen: 1,
		},
	}

	provider := &OpenAIProvider{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := provider.convertMessages(tt.messages, tt.system)
			if len(got) != tt.wantLen {
				t.Errorf("convertMessages() got %d messages, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestConvertToOpenAITools(t *testing.T) {
	provider := &OpenAIProvider{}
	tools := []agent.ToolSchema{
		{
			Name:        "test_tool",
			Description: "A test tool",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"arg":{"type":"string"}}}`),
		},
	}

	got := provider.convertTools(tools)
	if len(got) != 1 {
		t.Errorf("convertTools() got %d tools, want 1", len(got))
	}
	if got[0].Function.Name != "test_tool" {
		t.Errorf("convertTools() name = %v, want test_tool", got[0].Function.Name)
	}
}

func TestProviderName(t *testing.T) {
	provider := &OpenAIProvider{}
	if got := provider.Name(); got != "openai" {
		t.Errorf("Name() = %v, want openai", got)
	}
}

func TestProviderSupportsTools(t *testing.T) {
	provider := &OpenAIProvider{}
	if !provider.SupportsTools() {
		t.Error("SupportsTools() = false, want true")
	}
}

func TestProviderModels(t *testing.T) {
	provider := &OpenAIProvider{}
	models := provider.Models()

	if len(models) == 0 {
		t.Error("Models() returned empty list")
	}

	modelNames := make(map[string]bool)
	for _, m := range models {
		modelNames[m.ID] = true
	}

	expectedModels := []string{"gpt-4o", "gpt-4-turbo", "gpt-3.5-turbo"}
	for _, expected := range expectedModels {
		if !modelNames[expected] {
			t.Errorf("Models() missing expected model: %s", expected)
		}
	}
}

func TestOpenAIErrorHandling(t *testing.T) {
	provider := NewOpenAIProvider("")
	req := &agent.CompletionRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "Hello"}},
	}

	if _, err := provider.ChatStream(context.Background(), req); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestVisionSupport(t *testing.T) {
	provider := &OpenAIProvider{}
	models := provider.Models()

	visionModels := 0
	for _, m := range models {
		if m.SupportsVision {
			visionModels++
		}
	}
	if visionModels == 0 {
		t.Error("No models with vision support found")
	}

	for _, m := range models {
		if m.ID == "gpt-4o" || m.ID == "gpt-4-turbo" {
			if !m.SupportsVision {
				t.Errorf("Model %s should support vision", m.ID)
			}
		}
	}
}

func TestRetryLogic(t *testing.T) {
	provider := &OpenAIProvider{maxRetries: 3, retryDelay: time.Millisecond * 10}

	tests := []struct {
		name      string
		err       error
		wantRetry bool
	}{
		{"rate limit error", fmt.Errorf("rate limit exceeded"), true},
		{"429 status", fmt.Errorf("HTTP 429"), true},
		{"500 server error", fmt.Errorf("HTTP 500"), true},
		{"timeout", fmt.Errorf("timeout exceeded"), true},
		{"invalid API key", fmt.Errorf("invalid API key"), false},
		{"no error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provider.isRetryableError(tt.err); got != tt.wantRetry {
				t.Errorf("isRetryableError() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestTokenCounting(t *testing.T) {
	provider := &OpenAIProvider{}
	models := provider.Models()

	for _, m := range models {
		if m.ContextSize <= 0 {
			t.Errorf("Model %s has invalid context size: %d", m.ID, m.ContextSize)
		}
		switch m.ID {
		case "gpt-4o", "gpt-4-turbo":
			if m.ContextSize != 128000 {
				t.Errorf("Model %s has wrong context size: %d, want 128000", m.ID, m.ContextSize)
			}
		case "gpt-3.5-turbo":
			if m.ContextSize != 16385 {
				t.Errorf("Model %s has wrong context size: %d, want 16385", m.ID, m.ContextSize)
			}
		}
	}
}

func TestWrapOpenAIErrorClassification(t *testing.T) {
	rateLimitErr := errors.New("rate_limit_error: rate limit exceeded")
	if !IsRetryable(rateLimitErr) {
		t.Error("expected rate limit error to be retryable")
	}

	authErr := errors.New("invalid_api_key: unauthorized")
	if IsRetryable(authErr) {
		t.Error("expected auth error to not be retryable")
	}
}
