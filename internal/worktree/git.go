package worktree

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/riordanpawley/azedarach/internal/command"
)

var objectID = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)

// MergeTreeConflicts performs a dry-run merge of ref into dir's HEAD using
// "git merge-tree --write-tree" and returns the conflicting paths. Neither
// the index nor the working tree is touched. An empty result means the
// merge would be clean.
func (m *Manager) MergeTreeConflicts(ctx context.Context, dir, ref string) ([]string, error) {
	output, err := m.runner.Run(ctx, dir, "git", "merge-tree", "--write-tree", "--name-only", "--no-messages", "HEAD", ref)
	lines := command.Lines(output)

	if err == nil {
		return nil, nil
	}
	// Exit status 1 with a tree OID on the first line means conflicts; the
	// following lines name the conflicted paths.
	if len(lines) > 0 && objectID.MatchString(lines[0]) {
		return uniq(lines[1:]), nil
	}
	if msg := command.Trimmed(output); msg != "" {
		return nil, fmt.Errorf("git merge-tree against %s: %w\n%s", ref, err, msg)
	}
	return nil, fmt.Errorf("git merge-tree against %s: %w", ref, err)
}

// Merge merges ref into the branch checked out in dir. When the merge stops
// on conflicts the markers are left in place and the conflicted paths are
// returned with a nil error.
func (m *Manager) Merge(ctx context.Context, dir, ref, message string) ([]string, error) {
	args := []string{"merge", "--no-ff", "--no-edit"}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, ref)

	output, err := m.runner.Run(ctx, dir, "git", args...)
	if err == nil {
		return nil, nil
	}
	if strings.Contains(string(output), "CONFLICT") || m.IsMergeInProgress(ctx, dir) {
		files, uerr := m.UnmergedFiles(ctx, dir)
		if uerr != nil {
			return nil, uerr
		}
		return files, nil
	}
	return nil, fmt.Errorf("failed to merge %s: %w\n%s", ref, err, command.Trimmed(output))
}

// MergeAbort aborts an in-progress merge.
func (m *Manager) MergeAbort(ctx context.Context, dir string) error {
	if _, err := m.git(ctx, dir, "merge", "--abort"); err != nil {
		return fmt.Errorf("failed to abort merge: %w", err)
	}
	return nil
}

// UnmergedFiles lists paths with unresolved conflicts in dir.
func (m *Manager) UnmergedFiles(ctx context.Context, dir string) ([]string, error) {
	output, err := m.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicting files: %w", err)
	}
	return uniq(command.Lines(output)), nil
}

// IsMergeInProgress reports whether dir has a pending merge (MERGE_HEAD).
func (m *Manager) IsMergeInProgress(ctx context.Context, dir string) bool {
	_, err := m.runner.Run(ctx, dir, "git", "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// HasUncommittedChanges reports whether dir has staged, unstaged or
// untracked changes.
func (m *Manager) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	output, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return command.Trimmed(output) != "", nil
}

// CommitAll stages everything in dir and commits. Nothing to commit is not
// an error.
func (m *Manager) CommitAll(ctx context.Context, dir, message string) error {
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("failed to add changes: %w", err)
	}
	output, err := m.runner.Run(ctx, dir, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("failed to commit: %w\n%s", err, command.Trimmed(output))
	}
	return nil
}

// Fetch fetches branch from remote into dir's repository.
func (m *Manager) Fetch(ctx context.Context, dir, remote, branch string) error {
	if _, err := m.git(ctx, dir, "fetch", remote, branch); err != nil {
		return fmt.Errorf("failed to fetch %s/%s: %w", remote, branch, err)
	}
	return nil
}

// PushHead pushes dir's HEAD to remote, setting upstream.
func (m *Manager) PushHead(ctx context.Context, dir, remote string) error {
	if _, err := m.git(ctx, dir, "push", "-u", remote, "HEAD"); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// PushBranch pushes a named branch to remote.
func (m *Manager) PushBranch(ctx context.Context, dir, remote, branch string) error {
	if _, err := m.git(ctx, dir, "push", remote, branch); err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// ChangedFiles lists paths changed on dir's HEAD since it diverged from base.
func (m *Manager) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	output, err := m.git(ctx, dir, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get changed files: %w", err)
	}
	return command.Lines(output), nil
}

// CommitsAhead counts commits on dir's HEAD that are not on base.
func (m *Manager) CommitsAhead(ctx context.Context, dir, base string) (int, error) {
	output, err := m.git(ctx, dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	n, err := strconv.Atoi(command.Trimmed(output))
	if err != nil {
		return 0, fmt.Errorf("failed to parse commit count %q: %w", command.Trimmed(output), err)
	}
	return n, nil
}

// Log returns the one-line history of commits on dir's HEAD that are not on
// base, newest first.
func (m *Manager) Log(ctx context.Context, dir, base string) (string, error) {
	output, err := m.git(ctx, dir, "log", "--oneline", "--no-decorate", base+"..HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read log: %w", err)
	}
	return command.Trimmed(output), nil
}

// uniq preserves first-seen order; merge-tree may list a path once per stage.
func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
