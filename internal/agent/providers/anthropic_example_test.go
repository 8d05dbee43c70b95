package providers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/kestrelai/runtime/internal/agent"
	"github.com/kestrelai/runtime/internal/agent/providers"
)

// Example demonstrates basic usage of the Anthropic provider.
func Example_basicUsage() {
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       "sk-ant-api03-...",
		DefaultModel: "claude-sonnet-4-20250514",
	})
	if err != nil {
		log.Fatal(err)
	}

	req := &agent.CompletionRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "Hello! How are you today?"},
		},
		MaxOutputTokens: 1024,
	}

	ctx := context.Background()
	chunks, err := provider.ChatStream(ctx, req)
	if err != nil {
		log.Fatal(err)
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Printf("Error: %v", chunk.Err)
			continue
		}
		if chunk.Token != "" {
			fmt.Print(chunk.Token)
		}
		if chunk.Kind == agent.ChunkDone {
			fmt.Println("\n[Done]")
		}
	}
}

// Example demonstrates using the provider with tools (function calling).
func Example_withTools() {
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey: "sk-ant-api03-...",
	})
	if err != nil {
		log.Fatal(err)
	}

	weatherSchema := agent.ToolSchema{
		Name:        "get_weather",
		Description: "Get the current weather for a given city",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"city": {"type": "string", "description": "The city name"}},
			"required": ["city"]
		}`),
	}

	req := &agent.CompletionRequest{
		System: "You are a helpful weather assistant.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "What's the weather like in San Francisco?"},
		},
		Tools:           []agent.ToolSchema{weatherSchema},
		MaxOutputTokens: 1024,
	}

	ctx := context.Background()
	chunks, err := provider.ChatStream(ctx, req)
	if err != nil {
		log.Fatal(err)
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Printf("Error: %v", chunk.Err)
			continue
		}
		if chunk.Token != "" {
			fmt.Print(chunk.Token)
		}
		for _, tc := range chunk.ToolCalls {
			fmt.Printf("\n[Tool Call: %s args=%s]\n", tc.Function.Name, tc.Function.Arguments)
		}
		if chunk.Kind == agent.ChunkDone {
			fmt.Println("\n[Done]")
		}
	}
}

// Example demonstrates handling different Claude models.
func Example_multipleModels() {
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: "sk-ant-api03-..."})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Available Claude models:")
	for _, model := range provider.Models() {
		fmt.Printf("- %s: %s (context: %d tokens, vision: %v)\n",
			model.ID, model.Name, model.ContextSize, model.SupportsVision)
	}

	tasks := []struct {
		name  string
		model string
		task  string
	}{
		{"Fast", "claude-3-haiku-20240307", "Quick question answering"},
		{"Balanced", "claude-sonnet-4-20250514", "General purpose tasks"},
		{"Advanced", "claude-opus-4-20250514", "Complex reasoning"},
	}

	for _, t := range tasks {
		fmt.Printf("\n%s model (%s) for: %s\n", t.name, t.model, t.task)
	}
}

// Example demonstrates error handling and retries.
func Example_errorHandling() {
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:     "sk-ant-api03-...",
		MaxRetries: 3,
	})
	if err != nil {
		log.Fatal(err)
	}

	req := &agent.CompletionRequest{
		Messages:        []agent.CompletionMessage{{Role: "user", Content: "Hello!"}},
		MaxOutputTokens: 100,
	}

	ctx := context.Background()
	chunks, err := provider.ChatStream(ctx, req)
	if err != nil {
		log.Fatal(err)
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			fmt.Printf("Error occurred: %v\n", chunk.Err)
			continue
		}
		if chunk.Token != "" {
			fmt.Print(chunk.Token)
		}
	}
}

// Example demonstrates system prompts and configuration.
func Example_systemPrompt() {
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: "sk-ant-api03-..."})
	if err != nil {
		log.Fatal(err)
	}

	req := &agent.CompletionRequest{
		System: `You are a helpful programming assistant. You provide clear,
concise code examples and explanations. Always format code with proper syntax highlighting.`,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: "How do I create a HTTP server in Go?"},
		},
		MaxOutputTokens: 2048,
	}

	ctx := context.Background()
	chunks, err := provider.ChatStream(ctx, req)
	if err != nil {
		log.Fatal(err)
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			log.Printf("Error: %v", chunk.Err)
			continue
		}
		if chunk.Token != "" {
			fmt.Print(chunk.Token)
		}
	}
}
