package worktree

import "context"

// WorktreeManager creates and removes isolated per-task working directories.
type WorktreeManager interface {
	Exists(ctx context.Context, path string) (bool, error)
	CreateFromBranch(ctx context.Context, path, newBranch, base string) error
	AddExisting(ctx context.Context, path, branch string) error
	Remove(ctx context.Context, path string) error
	RepoDir() string
}

// BranchManager manages local branches.
type BranchManager interface {
	BranchExists(ctx context.Context, branch string) bool
	DeleteBranch(ctx context.Context, branch string) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
}

// MergeOperations are the merge and conflict queries used by the git workflow.
type MergeOperations interface {
	MergeTreeConflicts(ctx context.Context, dir, ref string) ([]string, error)
	Merge(ctx context.Context, dir, ref, message string) ([]string, error)
	MergeAbort(ctx context.Context, dir string) error
	UnmergedFiles(ctx context.Context, dir string) ([]string, error)
	IsMergeInProgress(ctx context.Context, dir string) bool
}

// SyncOperations commit, fetch and push work.
type SyncOperations interface {
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) error
	Fetch(ctx context.Context, dir, remote, branch string) error
	PushHead(ctx context.Context, dir, remote string) error
	PushBranch(ctx context.Context, dir, remote, branch string) error
	ChangedFiles(ctx context.Context, dir, base string) ([]string, error)
	CommitsAhead(ctx context.Context, dir, base string) (int, error)
	Log(ctx context.Context, dir, base string) (string, error)
}

// Repository combines all git operation interfaces.
type Repository interface {
	WorktreeManager
	BranchManager
	MergeOperations
	SyncOperations
}

// Ensure Manager implements all interfaces at compile time.
var (
	_ WorktreeManager = (*Manager)(nil)
	_ BranchManager   = (*Manager)(nil)
	_ MergeOperations = (*Manager)(nil)
	_ SyncOperations  = (*Manager)(nil)
	_ Repository      = (*Manager)(nil)
)
