package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kestrelai/runtime/internal/config"
	"github.com/kestrelai/runtime/internal/sessions"
)

// =============================================================================
// Session Commands
// =============================================================================

// buildSessionCmd creates the "session" command group.
func buildSessionCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect agent sessions",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(
		buildSessionListCmd(&configPath),
		buildSessionShowCmd(&configPath),
	)
	return cmd
}

func openSessionStore(cfg *config.Config) (*sessions.SQLiteStore, error) {
	return sessions.NewSQLiteStore(filepath.Join(cfg.Workspace.Path, ".agentrt", "sessions.db"))
}

func buildSessionListCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions, most recently created first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open session store: %w", err)
			}
			defer store.Close()

			list, err := store.List(cmd.Context(), sessions.ListOptions{Limit: limit})
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, s := range list {
				fmt.Fprintf(out, "%s\t%s\t%d messages\n", s.ID, s.CreatedAt.Format("2006-01-02T15:04:05"), len(s.Messages))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of sessions to list")
	return cmd
}

func buildSessionShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's full message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open session store: %w", err)
			}
			defer store.Close()

			session, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s created %s\n", session.ID, session.CreatedAt.Format("2006-01-02T15:04:05"))
			for _, msg := range session.Messages {
				fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content)
				for _, tc := range msg.ToolCalls {
					fmt.Fprintf(out, "  -> %s(%s)\n", tc.Function.Name, tc.Function.Arguments)
				}
			}
			return nil
		},
	}
}
