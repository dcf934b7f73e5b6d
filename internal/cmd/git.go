package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update <task-id>...",
	Short: "Merge the base branch into the task branch",
	Long: `Update merges the base branch into the task's worktree. Conflicts are
enumerated with a dry-run merge first; when there are any, the merge is left
in progress and the agent is asked to resolve exactly the conflicting files.`,
	Args: cobra.MinimumNArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		if err := e.engine.UpdateFromMain(ctx, taskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s updated from %s", taskID, e.cfg.BaseBranch), nil
	}),
}

var mergeCmd = &cobra.Command{
	Use:   "merge <task-id>...",
	Short: "Merge the task branch into the base branch",
	Long: `Merge brings the task branch into the base branch, pushing afterwards
when git.push_after_merge is set. Conflicts are delegated to the task's agent
the same way update does.`,
	Args: cobra.MinimumNArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		if err := e.engine.MergeToMain(ctx, taskID); err != nil {
			return "", err
		}
		msg := fmt.Sprintf("%s merged into %s", taskID, e.cfg.BaseBranch)
		if e.cfg.Git.PushAfterMerge {
			msg += " and pushed"
		}
		return msg, nil
	}),
}

var prCmd = &cobra.Command{
	Use:   "pr <task-id>...",
	Short: "Open a pull request for the task branch",
	Long: `PR syncs the task branch with the base branch, pushes it and opens a
pull request with gh. Reviewers are chosen from pr.reviewers and the changed
files; pr.draft opens it as a draft.`,
	Args: cobra.MinimumNArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		url, err := e.engine.CreatePR(ctx, taskID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s", taskID, url), nil
	}),
}

var devCmd = &cobra.Command{
	Use:   "dev <task-id>",
	Short: "Start or stop the task's dev server",
	Long: `Dev toggles the dev server for a task. A free port is allocated from
dev_server.base_port and exported to the server as dev_server.port_env.`,
	Args: cobra.ExactArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		ds, err := e.engine.ToggleDevServer(ctx, taskID)
		if err != nil {
			return "", err
		}
		if ds == nil || !ds.Running {
			return taskID + " dev server stopped", nil
		}
		return fmt.Sprintf("%s dev server on http://localhost:%d", taskID, ds.Port), nil
	}),
}

func init() {
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(prCmd)
	rootCmd.AddCommand(devCmd)
}
