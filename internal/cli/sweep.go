package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover runs stuck in running state after a crash",
	Long: `sweep scans for runs stuck in running state past the staleness
threshold, probes their recorded pids, and marks runs whose process is
gone as failed, releasing their workspaces. One pass by default; with
--watch it keeps sweeping on the configured interval until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().Bool("watch", false, "Keep sweeping on the configured interval")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sup, st, err := buildSupervisor(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	n := sup.Sweep()
	fmt.Printf("recovered %d run(s)\n", n)

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sweeping on interval", "interval", cfg.SweepInterval())
	sup.RunSweeper(ctx, cfg.SweepInterval())
	return nil
}
