package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <task-id>...",
	Short: "Start an agent session for each task",
	Long: `Start creates a git worktree and a tmux session for the task and
launches the coding agent in it with a prompt generated from the task.

If the task's tmux session is already running it is reused. With --prompt the
given text is sent to the agent instead of the generated prompt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		return taskRunE(func(ctx context.Context, e *env, taskID string) (string, error) {
			var err error
			if prompt != "" {
				err = e.engine.StartWithPrompt(ctx, taskID, prompt)
			} else {
				err = e.engine.Start(ctx, taskID)
			}
			if err != nil {
				return "", err
			}
			sess, _ := e.engine.Session(taskID)
			return fmt.Sprintf("%s started in %s (tmux session %s)", taskID, sess.WorkspacePath, sess.TmuxSession), nil
		})(cmd, args)
	},
}

func init() {
	startCmd.Flags().StringP("prompt", "p", "", "prompt to send instead of the generated one")
	rootCmd.AddCommand(startCmd)
}
