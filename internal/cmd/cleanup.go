package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [task-id]...",
	Short: "Remove a task's tmux session, worktree and record",
	Long: `Cleanup removes everything the engine created for a task: the tmux
session, the git worktree and the persisted session record. It is accepted in
any state and is safe to repeat, which makes it the way out of a partially
failed start.

Use --all to clean up every recorded task and --dry-run to list what would be
removed without changing anything.`,
	RunE: runCleanup,
}

var (
	cleanupAll    bool
	cleanupDryRun bool
)

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "clean up every recorded task")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "show what would be cleaned up without making changes")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !cleanupAll {
		return fmt.Errorf("specify task ids or --all")
	}

	e, err := openLoaded()
	if err != nil {
		return err
	}

	ids := args
	if cleanupAll {
		ids = nil
		for _, s := range e.engine.Sessions() {
			ids = append(ids, s.TaskID)
		}
	}
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded. Nothing to clean up.")
		return e.close()
	}

	if cleanupDryRun {
		out := cmd.OutOrStdout()
		for _, id := range ids {
			sess, _ := e.engine.Session(id)
			_, _ = fmt.Fprintf(out, "%s (%s)\n", id, sess.State)
			if sess.TmuxSession != "" {
				_, _ = fmt.Fprintf(out, "  tmux session: %s\n", sess.TmuxSession)
			}
			if sess.WorkspacePath != "" {
				_, _ = fmt.Fprintf(out, "  worktree:     %s\n", sess.WorkspacePath)
			}
		}
		_, _ = fmt.Fprintln(out, "\nDry run mode - no changes made.")
		return e.close()
	}

	return runTasks(cmd, e, ids, func(ctx context.Context, e *env, taskID string) (string, error) {
		if err := e.engine.Cleanup(ctx, taskID); err != nil {
			return "", err
		}
		return taskID + " cleaned up", nil
	})
}
