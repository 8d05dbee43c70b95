package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kestrelai/runtime/internal/checkpoint"
	"github.com/kestrelai/runtime/internal/config"
	"github.com/kestrelai/runtime/pkg/models"
)

// =============================================================================
// Checkpoint Commands
// =============================================================================

// buildCheckpointCmd creates the "checkpoint" command group.
func buildCheckpointCmd() *cobra.Command {
	var (
		configPath string
		project    string
		session    string
	)

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and manage session checkpoints",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&project, "project", "default", "Project id the checkpoint belongs to")
	cmd.PersistentFlags().StringVar(&session, "session", "", "Session id the checkpoint belongs to")

	cmd.AddCommand(
		buildCheckpointListCmd(&configPath, &project, &session),
		buildCheckpointCreateCmd(&configPath, &project, &session),
		buildCheckpointRestoreCmd(&configPath, &project, &session),
		buildCheckpointForkCmd(&configPath, &project, &session),
		buildCheckpointPruneCmd(&configPath, &project, &session),
	)
	return cmd
}

func openCheckpointEngine(configPath, project, session string) (*checkpoint.Engine, *config.Config, error) {
	if session == "" {
		return nil, nil, fmt.Errorf("--session is required")
	}
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	dataDir := cfg.Checkpoint.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(cfg.Workspace.Path, ".agentrt", "checkpoints")
	}
	store := checkpoint.NewStore(dataDir)
	engine, err := checkpoint.NewEngine(store, project, session, cfg.Workspace.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint engine: %w", err)
	}
	return engine, cfg, nil
}

func buildCheckpointListCmd(configPath, project, session *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints in a session's timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openCheckpointEngine(*configPath, *project, *session)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ckpt := range engine.Timeline() {
				fmt.Fprintf(out, "%s\t%s\t%s\n", ckpt.ID, ckpt.Timestamp.Format("2006-01-02T15:04:05"), ckpt.Description)
			}
			return nil
		},
	}
}

func buildCheckpointCreateCmd(configPath, project, session *string) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new checkpoint from the current working tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := openCheckpointEngine(*configPath, *project, *session)
			if err != nil {
				return err
			}
			messages, err := loadSessionMessages(cmd.Context(), cfg, *session)
			if err != nil {
				return err
			}
			result, err := engine.Create(cmd.Context(), description, nil, messages)
			if err != nil {
				return fmt.Errorf("create checkpoint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d files)\n", result.Checkpoint.ID, result.FilesProcessed)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description of this checkpoint")
	return cmd
}

func buildCheckpointRestoreCmd(configPath, project, session *string) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore the working tree to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openCheckpointEngine(*configPath, *project, *session)
			if err != nil {
				return err
			}
			result, err := engine.Restore(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("restore checkpoint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s (%d messages)\n", result.Checkpoint.ID, len(result.Messages))
			return nil
		},
	}
}

func buildCheckpointForkCmd(configPath, project, session *string) *cobra.Command {
	var (
		description  string
		newSessionID string
	)
	cmd := &cobra.Command{
		Use:   "fork <checkpoint-id>",
		Short: "Fork a checkpoint into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openCheckpointEngine(*configPath, *project, *session)
			if err != nil {
				return err
			}
			if newSessionID == "" {
				return fmt.Errorf("--new-session is required")
			}
			result, err := engine.Fork(cmd.Context(), args[0], description, newSessionID)
			if err != nil {
				return fmt.Errorf("fork checkpoint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forked into %s as %s\n", newSessionID, result.Checkpoint.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Description for the forked checkpoint")
	cmd.Flags().StringVar(&newSessionID, "new-session", "", "Session id for the fork")
	return cmd
}

func buildCheckpointPruneCmd(configPath, project, session *string) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old checkpoints, keeping the most recent N per branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openCheckpointEngine(*configPath, *project, *session)
			if err != nil {
				return err
			}
			if err := engine.Prune(cmd.Context(), keep); err != nil {
				return fmt.Errorf("prune checkpoints: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned, keeping %d checkpoints per leaf\n", keep)
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 10, "Number of checkpoints to keep per branch")
	return cmd
}

func loadSessionMessages(ctx context.Context, cfg *config.Config, sessionID string) ([]models.Message, error) {
	store, err := openSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.GetHistory(ctx, sessionID, 0)
}
