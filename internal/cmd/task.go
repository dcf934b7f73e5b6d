package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// taskFunc runs one command against one task and returns the success line.
type taskFunc func(ctx context.Context, e *env, taskID string) (string, error)

// taskRunE opens the engine, runs fn for every task id argument and shuts
// the engine down. Failures are printed per task; the remaining tasks still
// run.
func taskRunE(fn taskFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openLoaded()
		if err != nil {
			return err
		}
		return runTasks(cmd, e, args, fn)
	}
}

func runTasks(cmd *cobra.Command, e *env, taskIDs []string, fn taskFunc) error {
	failed := false
	for _, id := range taskIDs {
		msg, err := fn(cmd.Context(), e, id)
		if err != nil {
			PrintFailure(cmd.ErrOrStderr(), err)
			failed = true
			continue
		}
		if msg != "" {
			printSuccess(cmd.OutOrStdout(), "%s", msg)
		}
	}
	if err := e.close(); err != nil {
		return err
	}
	if failed {
		return errReported
	}
	return nil
}
