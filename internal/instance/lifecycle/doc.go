// Package lifecycle pairs a task's isolated workspace with its multiplexer
// session and manages the two as one unit.
//
// Create is idempotent per task: an existing worktree or a running session is
// reused rather than recreated. If the session cannot be created after a new
// worktree was added, the worktree is rolled back; a rollback that also fails
// is reported as a partial ResourceError so the caller can retry cleanup.
//
// Usage:
//
//	lm, err := lifecycle.NewManager(cfg, worktrees, tmuxClient, logger)
//	if err != nil {
//	    return err
//	}
//	ws, err := lm.Create(ctx, "az-42", "main")
//	if err != nil {
//	    return err
//	}
//	if err := lm.Launch(ctx, ws, prompt); err != nil {
//	    return err
//	}
//	defer lm.Delete(ctx, "az-42")
package lifecycle
