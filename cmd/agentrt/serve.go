package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kestrelai/runtime/internal/agent"
	"github.com/kestrelai/runtime/internal/agent/providers"
	"github.com/kestrelai/runtime/internal/checkpoint"
	"github.com/kestrelai/runtime/internal/config"
	"github.com/kestrelai/runtime/internal/cron"
	"github.com/kestrelai/runtime/internal/observability"
	"github.com/kestrelai/runtime/internal/permission"
	"github.com/kestrelai/runtime/internal/sessions"
	"github.com/kestrelai/runtime/internal/tools/exec"
	"github.com/kestrelai/runtime/internal/tools/files"
	"github.com/kestrelai/runtime/internal/tools/git"
	"github.com/kestrelai/runtime/internal/tools/glob"
	"github.com/kestrelai/runtime/internal/tools/httptool"
	"github.com/kestrelai/runtime/pkg/models"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the agentrt daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentrt daemon",
		Long: `Start the agentrt daemon.

The daemon will:
1. Load configuration from the specified file (or agentrt.yaml)
2. Open the session store and checkpoint store
3. Register system-critical tools (terminal, file read/write/edit/patch,
   glob search, HTTP request, git write) behind the permission gate
4. Start the cron scheduler for any configured jobs
5. Serve Prometheus metrics for scraping

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  agentrt serve

  # Start with custom config
  agentrt serve --config /etc/agentrt/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// runServe implements the serve command logic: configuration loading,
// component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	logLevel := "info"
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: logLevel, Format: "json"})
	logger.Info(ctx, "starting agentrt", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := sessions.NewSQLiteStore(sessionsDBPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	ckptDir := cfg.Checkpoint.DataDir
	if ckptDir == "" {
		ckptDir = filepath.Join(cfg.Workspace.Path, ".agentrt", "checkpoints")
	}
	ckptStore := checkpoint.NewStore(ckptDir)

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to build LLM provider: %w", err)
	}

	gate, err := buildPermissionGate(cfg)
	if err != nil {
		return fmt.Errorf("failed to build permission gate: %w", err)
	}

	registry := agent.NewToolRegistry()
	toolsCfg := files.Config{Workspace: cfg.Workspace.Path, MaxReadBytes: 0, Gate: gate}
	execManager := exec.NewManager(cfg.Workspace.Path)
	terminalManager := exec.NewTerminalSessionManager(cfg.Workspace.Path)
	defer terminalManager.Close()
	globTool := glob.NewTool(cfg.Workspace.Path)
	defer globTool.Close()
	for _, tool := range []agent.Tool{
		files.NewReadTool(toolsCfg),
		files.NewWriteTool(toolsCfg),
		files.NewEditTool(toolsCfg),
		files.NewApplyPatchTool(toolsCfg),
		exec.NewExecTool("terminal", execManager),
		exec.NewTerminalSessionTool(terminalManager),
		globTool,
		httptool.NewTool(),
		git.NewTool(cfg.Workspace.Path),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}

	metrics := observability.NewMetrics()
	loop := agent.NewAgenticLoop(provider, &agent.NopSink{}, &agent.LoopConfig{
		MaxRounds:    10,
		SystemPrompt: "You are agentrt, an autonomous coding and automation agent.",
		ToolRegistry: registry,
	})
	var scheduler *cron.Scheduler
	if len(cfg.Cron.Jobs) > 0 {
		scheduler, err = cron.NewScheduler(cfg.Cron)
		if err != nil {
			return fmt.Errorf("failed to build cron scheduler: %w", err)
		}
		scheduler.SetAgentRunner(cron.AgentRunnerFunc(func(ctx context.Context, job *cron.Job) error {
			if job.Message == nil {
				return fmt.Errorf("job %s has no message payload", job.ID)
			}
			session := &models.Session{}
			if err := store.Create(ctx, session); err != nil {
				return fmt.Errorf("create session for job %s: %w", job.ID, err)
			}
			metrics.ActiveSessions.WithLabelValues("cron").Inc()
			defer metrics.ActiveSessions.WithLabelValues("cron").Dec()
			if err := loop.Run(ctx, session, job.Message.Content); err != nil {
				return fmt.Errorf("run job %s: %w", job.ID, err)
			}
			engine, err := checkpoint.NewEngine(ckptStore, "cron", session.ID, cfg.Workspace.Path)
			if err != nil {
				return fmt.Errorf("open checkpoint engine for job %s: %w", job.ID, err)
			}
			if _, err := engine.Create(ctx, "cron run: "+job.Name, nil, session.Messages); err != nil {
				return fmt.Errorf("checkpoint job %s: %w", job.ID, err)
			}
			return nil
		}))
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cron scheduler: %w", err)
		}
		defer scheduler.Stop(context.Background())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "metrics server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	logger.Info(context.Background(), "agentrt stopped gracefully")
	return nil
}

func sessionsDBPath(cfg *config.Config) string {
	return filepath.Join(cfg.Workspace.Path, ".agentrt", "sessions.db")
}

// buildPermissionGate constructs the gate from cfg.Permission. A
// whitelist_file, if configured, is loaded relative to the workspace
// root and takes precedence over the enabled/duration fields inlined
// in the main config (those only apply when no whitelist file exists
// yet, letting a fresh workspace start with sane defaults before an
// operator curates a whitelist on disk).
func buildPermissionGate(cfg *config.Config) (*permission.Gate, error) {
	pc := cfg.Permission
	if pc.WhitelistFile != "" {
		path := pc.WhitelistFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Workspace.Path, path)
		}
		if gate, err := permission.LoadConfig(path); err == nil {
			return gate, nil
		}
	}
	gate := permission.NewGate()
	gate.SetEnabled(pc.Enabled)
	if pc.SessionGrantDurationSecs > 0 {
		gate.SetDefaultGrantDuration(time.Duration(pc.SessionGrantDurationSecs) * time.Second)
	}
	for _, host := range pc.DeniedHosts {
		gate.AddRule(models.Rule{
			ToolType:        models.PermissionHTTPRequest,
			ResourcePattern: host,
			Allowed:         false,
		})
	}
	return gate, nil
}

// buildProvider selects and constructs the configured LLM provider.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	providerCfg, ok := cfg.LLM.Providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %q", name)
	}
	switch name {
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	case "anthropic", "":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
			MaxRetries:   3,
			RetryDelay:   time.Second,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}
