package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mpurcell/drover/internal/agent"
	"github.com/mpurcell/drover/internal/config"
	"github.com/mpurcell/drover/internal/store"
	"github.com/mpurcell/drover/internal/supervisor"
	"github.com/mpurcell/drover/internal/workspace"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Run coding-assistant workflows in isolated workspaces",
	Long: `drover runs a natural-language coding assistant as a subprocess per
workflow invocation, streams its structured output, persists run state in
sqlite, and manages isolated git-backed workspaces across concurrent runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(workflowsCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to drover.yaml (default: ./drover.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	levelStr, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "drover.yaml"
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg := config.Default(cwd)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildSupervisor wires the store, workspace manager and executor from
// config. Callers must Close the returned store.
func buildSupervisor(cfg *config.Config, logger *slog.Logger) (*supervisor.Supervisor, *store.Store, error) {
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	manager := workspace.NewManager(cfg.WorkspaceRoot, st, logger)
	executor := agent.NewExecutor(cfg.Assistant.Binary, cfg.Assistant.Args, cfg.KillGrace(), logger)

	sup := supervisor.New(st, manager, executor, supervisor.Options{
		WorkflowDir:    cfg.WorkflowDir,
		EventLogDir:    filepath.Join(filepath.Dir(cfg.DatabasePath), "events"),
		MaxConcurrent:  cfg.Limits.MaxConcurrentRuns,
		DefaultTimeout: cfg.DefaultTimeout(),
		StuckThreshold: cfg.StuckThreshold(),
	}, logger)

	return sup, st, nil
}
