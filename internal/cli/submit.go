package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mpurcell/drover/internal/run"
	"github.com/mpurcell/drover/internal/stream"
	"github.com/mpurcell/drover/internal/supervisor"
	"github.com/mpurcell/drover/internal/transcript"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <workflow>",
	Short: "Submit a workflow run and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringP("prompt", "p", "", "Task prompt (reads stdin when omitted)")
	submitCmd.Flags().Bool("persistent", false, "Keep the workspace after the run (overrides the workflow definition)")
	submitCmd.Flags().Bool("ephemeral", false, "Destroy the workspace after the run (overrides the workflow definition)")
	submitCmd.Flags().Duration("timeout", 0, "Run timeout (default: workflow or config value)")
	submitCmd.Flags().String("resume", "", "Session id to resume")
	submitCmd.Flags().BoolP("follow", "f", false, "Print assistant events as they arrive")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	workflowName := args[0]

	prompt, _ := cmd.Flags().GetString("prompt")
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given: pass --prompt or pipe one on stdin")
	}

	persistentFlag, _ := cmd.Flags().GetBool("persistent")
	ephemeralFlag, _ := cmd.Flags().GetBool("ephemeral")
	if persistentFlag && ephemeralFlag {
		return fmt.Errorf("--persistent and --ephemeral are mutually exclusive")
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	resume, _ := cmd.Flags().GetString("resume")
	follow, _ := cmd.Flags().GetBool("follow")

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

	opts := supervisor.SubmitOptions{
		WorkflowName:    workflowName,
		Prompt:          prompt,
		Timeout:         timeout,
		ResumeSessionID: resume,
	}
	if persistentFlag {
		t := true
		opts.Persistent = &t
	}
	if ephemeralFlag {
		f := false
		opts.Persistent = &f
	}
	formatter := transcript.NewFormatter()
	events := make(chan stream.Event, 256)
	if follow {
		opts.OnEvent = func(evt stream.Event) {
			fmt.Println(formatter.FormatEvent(evt))
		}
	} else {
		// Without --follow, still surface the assistant's first substantive
		// reply as soon as it arrives; later events drop silently when the
		// buffer fills
		opts.OnEvent = func(evt stream.Event) {
			select {
			case events <- evt:
			default:
			}
		}
	}

	ticket, err := sup.Submit(opts)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}

	fmt.Printf("run %s started\n", ticket.RunID)

	go func() {
		<-ticket.Done
		close(events)
	}()

	if !follow {
		consumed, _ := stream.ConsumeUntilFirstReply(events)
		for _, evt := range consumed {
			if evt.IsReply() {
				fmt.Println(formatter.FormatEvent(evt))
			}
		}
	}

	<-ticket.Done

	r, err := sup.Status(ticket.RunID)
	if err != nil {
		return err
	}

	printRunSummary(r)
	if r.Status != run.StatusCompleted {
		os.Exit(1)
	}
	return nil
}

func printRunSummary(r *run.Run) {
	fmt.Printf("run %s: %s\n", r.RunID, r.Status)
	if r.SessionID != "" {
		fmt.Printf("  session:   %s\n", r.SessionID)
	}
	if r.WorkspacePath != "" {
		fmt.Printf("  workspace: %s\n", r.WorkspacePath)
	}
	if r.ExitCode != nil {
		fmt.Printf("  exit code: %d\n", *r.ExitCode)
	}
	if r.CompletedAt != nil {
		fmt.Printf("  elapsed:   %s\n", r.CompletedAt.Sub(r.CreatedAt).Round(time.Second))
	}
	if r.Error != "" {
		fmt.Printf("  error:     %s\n", r.Error)
	}
	if r.Result != "" {
		fmt.Printf("  result:\n%s\n", indent(r.Result, "    "))
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
