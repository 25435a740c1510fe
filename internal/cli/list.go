package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
}

func runList(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	_, st, err := buildSupervisor(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tWORKFLOW\tSTATUS\tCREATED\tELAPSED")
	for _, r := range runs {
		elapsed := "-"
		if r.CompletedAt != nil {
			elapsed = r.CompletedAt.Sub(r.CreatedAt).Round(time.Second).String()
		} else if !r.Status.IsTerminal() {
			elapsed = time.Since(r.CreatedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.WorkflowName, r.Status,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), elapsed)
	}
	return w.Flush()
}
