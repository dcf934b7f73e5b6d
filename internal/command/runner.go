// Package command provides the single narrow seam through which the engine
// runs external processes (git, tmux, gh, bd and the dev-server shell).
//
// Every component that shells out depends on [Runner] rather than os/exec,
// so tests can substitute a scripted fake and the real OS-process adapter
// lives in exactly one place.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	// Run executes name with args. The working directory is set to dir when
	// non-empty. Output is the combined stdout/stderr of the process and is
	// returned even when err is non-nil.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// EnvRunner is an optional extension for runners that can inject extra
// environment variables into the child process.
type EnvRunner interface {
	RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return r.RunEnv(ctx, dir, nil, name, args...)
}

// RunEnv executes a command with additional environment variables appended to
// the current process environment.
func (r *ExecRunner) RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// ExitCode extracts the process exit code from an error returned by Run.
// It returns -1 when the error does not carry an exit status.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Trimmed returns output as a string with surrounding whitespace removed.
func Trimmed(output []byte) string {
	return strings.TrimSpace(string(output))
}

// Lines splits command output into non-empty trimmed lines.
func Lines(output []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(output), "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Verify ExecRunner implements the runner interfaces at compile time.
var (
	_ Runner    = (*ExecRunner)(nil)
	_ EnvRunner = (*ExecRunner)(nil)
)
