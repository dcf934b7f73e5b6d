// Package worktree wraps the git operations the engine needs: isolated
// per-task worktrees on their own branches, side-effect-free conflict
// checks, merges, commits and pushes. Every call goes through a
// command.Runner.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/riordanpawley/azedarach/internal/command"
)

// Manager handles git worktree operations for one repository.
type Manager struct {
	runner  command.Runner
	repoDir string
}

// Info describes one registered worktree.
type Info struct {
	Path   string
	Branch string
	Head   string
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// .git may be a directory (normal repo) or a file (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point): %s", startDir)
		}
		dir = parent
	}
}

// New creates a Manager for the repository containing repoDir.
func New(runner command.Runner, repoDir string) (*Manager, error) {
	root, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{runner: runner, repoDir: root}, nil
}

// NewAt creates a Manager for repoDir without probing the filesystem.
func NewAt(runner command.Runner, repoDir string) *Manager {
	return &Manager{runner: runner, repoDir: repoDir}
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string {
	return m.repoDir
}

// Exists reports whether path is a registered worktree that still exists
// on disk.
func (m *Manager) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	list, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	want := cleanPath(path)
	for _, wt := range list {
		if cleanPath(wt.Path) == want {
			return true, nil
		}
	}
	return false, nil
}

// List returns all worktrees, including the main checkout.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	output, err := m.git(ctx, m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var out []Info
	var cur *Info
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			out = append(out, Info{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &out[len(out)-1]
		case cur != nil && strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case cur != nil && strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return out, nil
}

// CreateFromBranch creates a worktree at path on a new branch started from
// base (git worktree add -b newBranch path base).
func (m *Manager) CreateFromBranch(ctx context.Context, path, newBranch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	if _, err := m.git(ctx, m.repoDir, "worktree", "add", "-b", newBranch, path, base); err != nil {
		return fmt.Errorf("failed to create worktree from branch %s: %w", base, err)
	}
	return nil
}

// AddExisting creates a worktree at path checking out an existing branch.
func (m *Manager) AddExisting(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	if _, err := m.git(ctx, m.repoDir, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("failed to create worktree for branch %s: %w", branch, err)
	}
	return nil
}

// Remove removes a worktree. If git refuses, the directory is deleted and
// worktree metadata pruned, and the original failure is still reported.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := m.git(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
		_ = os.RemoveAll(path)
		_ = m.Prune(ctx)
		return fmt.Errorf("failed to remove worktree cleanly: %w", err)
	}
	return nil
}

// Prune removes stale worktree metadata.
func (m *Manager) Prune(ctx context.Context) error {
	_, err := m.git(ctx, m.repoDir, "worktree", "prune")
	return err
}

// BranchExists reports whether a local branch exists.
func (m *Manager) BranchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// DeleteBranch force-deletes a local branch.
func (m *Manager) DeleteBranch(ctx context.Context, branch string) error {
	if _, err := m.git(ctx, m.repoDir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the branch checked out in dir.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get branch: %w", err)
	}
	return command.Trimmed(output), nil
}

// git runs a git subcommand in dir. Failures include git's output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	output, err := m.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		if msg := command.Trimmed(output); msg != "" {
			return output, fmt.Errorf("git %s: %w\n%s", args[0], err, msg)
		}
		return output, fmt.Errorf("git %s: %w", args[0], err)
	}
	return output, nil
}

func cleanPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}
