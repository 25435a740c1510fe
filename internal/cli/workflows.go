package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mpurcell/drover/internal/workflow"
	"github.com/spf13/cobra"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List available workflow definitions",
	Args:  cobra.NoArgs,
	RunE:  runWorkflows,
}

func runWorkflows(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	names, err := workflow.List(cfg.WorkflowDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("no workflow definitions in %s\n", cfg.WorkflowDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tWORKSPACE\tTIMEOUT\tTOOLS")
	for _, name := range names {
		def, err := workflow.Load(cfg.WorkflowDir, name)
		if err != nil {
			fmt.Fprintf(w, "%s\t(invalid: %v)\t\t\n", name, err)
			continue
		}
		mode := "ephemeral"
		if def.Persistent {
			mode = "persistent"
		}
		timeout := "default"
		if def.TimeoutS > 0 {
			timeout = fmt.Sprintf("%ds", def.TimeoutS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d allowed\n", def.Name, mode, timeout, len(def.AllowedTools))
	}
	return w.Flush()
}
