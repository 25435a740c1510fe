package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpurcell/drover/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default drover.yaml and an example workflow",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

const exampleWorkflow = `name: fix-bug
instructions: |
  You are a software engineer. Read the task description, locate the
  defect, fix it, and make sure the existing tests still pass.
persistent: false
timeout_s: 1800
allowed_tools:
  - Read
  - Edit
  - Bash
`

func runInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "drover.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg := config.Default(cwd)
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)

	if err := os.MkdirAll(cfg.WorkflowDir, 0755); err != nil {
		return err
	}
	example := filepath.Join(cfg.WorkflowDir, "fix-bug.yaml")
	if _, err := os.Stat(example); os.IsNotExist(err) {
		if err := os.WriteFile(example, []byte(exampleWorkflow), 0644); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", example)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit drover.yaml if the defaults don't fit")
	fmt.Println("  2. drover submit fix-bug --prompt \"describe the task\" --follow")
	return nil
}
