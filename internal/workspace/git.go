package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// initRepo creates a new empty repository on the given branch
func initRepo(path, branch string) error {
	if _, err := git(path, "init", "--initial-branch", branch); err != nil {
		return err
	}
	// Local identity so commits work in environments with no global config
	if _, err := git(path, "config", "user.email", "drover@localhost"); err != nil {
		return err
	}
	if _, err := git(path, "config", "user.name", "drover"); err != nil {
		return err
	}
	return nil
}

// addWorktree creates a worktree of sourceRepo at path on a new branch.
// baseBranch selects the starting point; empty means current HEAD.
func addWorktree(sourceRepo, baseBranch, branch, path string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	if _, err := git(absRepo, "rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	start := "HEAD"
	if baseBranch != "" {
		start = baseBranch
	}
	if _, err := git(absRepo, "worktree", "add", "-b", branch, path, start); err != nil {
		return err
	}
	return nil
}

// removeWorktree detaches a worktree from its source repo and deletes the
// branch. Errors are ignored; cleanup of already-gone state is a no-op.
func removeWorktree(sourceRepo, path, branch string) {
	git(sourceRepo, "worktree", "remove", "--force", path)
	if branch != "" {
		git(sourceRepo, "branch", "-D", branch)
	}
}

// isDirty reports whether the working tree has uncommitted changes
func isDirty(path string) (bool, error) {
	out, err := git(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// commitAll stages everything and commits, returning the commit hash
func commitAll(path, message string) (string, error) {
	if _, err := git(path, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := git(path, "commit", "-m", message); err != nil {
		return "", err
	}
	return git(path, "rev-parse", "HEAD")
}

// findSourceRepo extracts the main repo path from a worktree's .git file.
// Returns "" when path is a standalone repository.
func findSourceRepo(worktreePath string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		// A standalone repo has a .git directory, not a file
		return ""
	}

	content := strings.TrimSpace(string(data))
	if !strings.HasPrefix(content, "gitdir: ") {
		return ""
	}

	// gitdir looks like /path/to/repo/.git/worktrees/run-N
	gitDir := strings.TrimSpace(content[len("gitdir: "):])
	idx := strings.LastIndex(gitDir, "/.git/")
	if idx == -1 {
		return ""
	}
	return gitDir[:idx]
}
