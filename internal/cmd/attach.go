package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/riordanpawley/azedarach/internal/errors"
)

var attachCmd = &cobra.Command{
	Use:   "attach <task-id>",
	Short: "Attach the terminal to a task's tmux session",
	Long: `Attach connects the terminal to the task's tmux session so you can
talk to the agent directly. Detach with the usual tmux prefix + d; the agent
keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	e, err := openLoaded()
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Close() }()

	name := e.engine.Lifecycle.SessionName(taskID)
	if sess, ok := e.engine.Session(taskID); ok && sess.TmuxSession != "" {
		name = sess.TmuxSession
	}
	alive, err := e.engine.Tmux.HasSession(cmd.Context(), name)
	if err != nil {
		return fmt.Errorf("failed to query tmux: %w", err)
	}
	if !alive {
		return fmt.Errorf("%s: %w (start it first)", taskID, errors.ErrSessionNotFound)
	}

	argv := e.engine.Tmux.AttachArgs(name)
	attach := exec.CommandContext(cmd.Context(), argv[0], argv[1:]...)
	attach.Stdin = os.Stdin
	attach.Stdout = os.Stdout
	attach.Stderr = os.Stderr
	// Attaching from inside tmux would nest sessions.
	attach.Env = withoutEnv(os.Environ(), "TMUX")
	return attach.Run()
}

func withoutEnv(environ []string, key string) []string {
	prefix := key + "="
	out := environ[:0:0]
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
