package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <task-id>...",
	Short: "Stop the agent and kill its tmux session",
	Long: `Stop interrupts the agent and kills the task's tmux session. The
worktree and branch are kept; use cleanup to remove them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		if err := e.engine.Stop(ctx, taskID); err != nil {
			return "", err
		}
		return taskID + " stopped", nil
	}),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <task-id>...",
	Short: "Interrupt a running agent",
	Long: `Pause sends an interrupt to the agent and stops watching its output.
With pause.snapshot enabled, uncommitted work is committed first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		if err := e.engine.Pause(ctx, taskID); err != nil {
			return "", err
		}
		return taskID + " paused", nil
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>...",
	Short: "Resume a paused agent",
	Args:  cobra.MinimumNArgs(1),
	RunE: taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
		if err := e.engine.Resume(ctx, taskID); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s resumed", taskID), nil
	}),
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}
