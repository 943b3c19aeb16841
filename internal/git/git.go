// Package git detects the git worktree a session directory belongs to.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agentterm/internal/session"
)

// Timeout bounds each git invocation.
const Timeout = 2 * time.Second

func run(dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// IsGitRepo checks if the given directory is inside a git repository
func IsGitRepo(dir string) bool {
	_, err := run(dir, "rev-parse", "--git-dir")
	return err == nil
}

// GetRepoRoot returns the top-level directory of the worktree containing dir
func GetRepoRoot(dir string) (string, error) {
	root, err := run(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return root, nil
}

// GetCurrentBranch returns the current branch name for the repository at dir
func GetCurrentBranch(dir string) (string, error) {
	branch, err := run(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return branch, nil
}

// absGitPath resolves a path printed by rev-parse, which may be relative to dir.
func absGitPath(dir, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return filepath.Clean(p)
}

// IsWorktree checks if the given directory is a linked worktree (not the main repo)
func IsWorktree(dir string) bool {
	commonDir, err := run(dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return false
	}
	gitDir, err := run(dir, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	return absGitPath(dir, commonDir) != absGitPath(dir, gitDir)
}

// GetMainWorktreePath returns the path to the main worktree (original clone)
func GetMainWorktreePath(dir string) (string, error) {
	commonDir, err := run(dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", fmt.Errorf("failed to get common git dir: %w", err)
	}
	commonDir = absGitPath(dir, commonDir)
	if strings.HasSuffix(commonDir, string(filepath.Separator)+".git") {
		return strings.TrimSuffix(commonDir, string(filepath.Separator)+".git"), nil
	}
	return GetRepoRoot(dir)
}

// DetectWorktree describes dir when it lies inside a linked worktree, else
// nil. Main checkouts and non-repositories yield nil.
func DetectWorktree(dir string) *session.WorktreeConfig {
	if dir == "" || !IsWorktree(dir) {
		return nil
	}
	path, err := GetRepoRoot(dir)
	if err != nil {
		return nil
	}
	wt := &session.WorktreeConfig{Path: path}
	if branch, err := GetCurrentBranch(dir); err == nil && branch != "HEAD" {
		wt.Branch = branch
	}
	if root, err := GetMainWorktreePath(dir); err == nil {
		wt.RepoRoot = root
	}
	return wt
}
