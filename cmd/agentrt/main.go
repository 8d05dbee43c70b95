// Package main provides the CLI entry point for the agentrt runtime.
//
// agentrt runs an autonomous LLM-agent loop against Anthropic- or
// OpenAI-shaped providers, executing tool calls (including composed tool
// expressions) under a permission gate and checkpointing the working
// tree as it goes.
//
// # Basic Usage
//
// Start the daemon:
//
//	agentrt serve --config agentrt.yaml
//
// Inspect checkpoints for a session:
//
//	agentrt checkpoint list --project demo --session s1
//
// Inspect sessions:
//
//	agentrt session list
//
// # Environment Variables
//
//   - AGENTRT_CONFIG: path to configuration file (default: agentrt.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentrt",
		Short: "agentrt - autonomous LLM-agent runtime",
		Long: `agentrt runs an agent loop against Anthropic- or OpenAI-shaped
LLM providers, executing plain and composed tool calls under a permission
gate, with checkpoint/restore/fork/prune over the working tree.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckpointCmd(),
		buildSessionCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("AGENTRT_CONFIG"); env != "" {
		return env
	}
	return "agentrt.yaml"
}
