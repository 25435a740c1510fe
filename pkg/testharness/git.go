package testharness

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// InitBaseRepo creates a git repository with one commit on branch main,
// usable as the base_repo of a workflow definition
func InitBaseRepo(dir string) error {
	cmds := [][]string{
		{"init", "--initial-branch", "main"},
		{"config", "user.email", "test@localhost"},
		{"config", "user.name", "test"},
	}
	for _, args := range cmds {
		if out, err := gitCmd(dir, args...); err != nil {
			return fmt.Errorf("git %v: %w: %s", args, err, out)
		}
	}

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# fixture\n"), 0644); err != nil {
		return err
	}

	for _, args := range [][]string{
		{"add", "-A"},
		{"commit", "-m", "initial commit"},
	} {
		if out, err := gitCmd(dir, args...); err != nil {
			return fmt.Errorf("git %v: %w: %s", args, err, out)
		}
	}
	return nil
}

func gitCmd(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
