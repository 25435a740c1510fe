package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "Emit the run record as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	r, err := sup.Status(args[0])
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	printRunSummary(r)
	fmt.Printf("  workflow:  %s\n", r.WorkflowName)
	if r.PID > 0 && !r.Status.IsTerminal() {
		fmt.Printf("  pid:       %d\n", r.PID)
	}
	return nil
}
