package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run, terminating its assistant process",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
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

	delivered, err := sup.Cancel(args[0])
	if err != nil {
		return err
	}
	if !delivered {
		fmt.Printf("run %s is already finished, nothing to cancel\n", args[0])
		return nil
	}
	fmt.Printf("run %s cancelled\n", args[0])
	return nil
}
