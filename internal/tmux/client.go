// Package tmux drives the terminal multiplexer that hosts each coding-agent
// session. All commands go through a command.Runner so tests can script
// tmux without a server.
//
// When a socket name is configured every command is issued as
// "tmux -L <socket> ...", isolating azedarach sessions from the user's
// default server. An empty socket uses the default server so sessions can be
// attached with a plain "tmux attach -t <name>".
package tmux

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/riordanpawley/azedarach/internal/command"
)

// Binary is the tmux executable name.
const Binary = "tmux"

// SessionOptions configures a new session.
type SessionOptions struct {
	// Width and Height size the detached session; zero leaves tmux defaults.
	Width  int
	Height int
	// HistoryLimit sets the scrollback kept for capture; zero leaves the default.
	HistoryLimit int
	// Env is exported into the session as KEY=VALUE pairs.
	Env []string
	// Command runs instead of the default shell.
	Command string
}

// Client executes tmux commands.
type Client struct {
	runner command.Runner
	socket string
}

// NewClient returns a client using runner. socket may be empty.
func NewClient(runner command.Runner, socket string) *Client {
	return &Client{runner: runner, socket: socket}
}

// Socket returns the configured socket name.
func (c *Client) Socket() string {
	return c.socket
}

var invalidName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SessionName derives the multiplexer session name for a task. Characters
// tmux treats specially (".", ":") and whitespace are replaced with "-".
func SessionName(prefix, taskID string) string {
	id := strings.Trim(invalidName.ReplaceAllString(taskID, "-"), "-")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// CreateSession creates a detached session rooted at workDir.
func (c *Client) CreateSession(ctx context.Context, name, workDir string, opts SessionOptions) error {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-x", strconv.Itoa(opts.Width), "-y", strconv.Itoa(opts.Height))
	}
	for _, kv := range opts.Env {
		args = append(args, "-e", kv)
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return err
	}

	if opts.HistoryLimit > 0 {
		if _, err := c.run(ctx, "set-option", "-t", sessionTarget(name), "history-limit", strconv.Itoa(opts.HistoryLimit)); err != nil {
			return err
		}
	}
	return nil
}

// HasSession reports whether the named session exists. A missing session or
// a missing server is (false, nil).
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	output, err := c.runner.Run(ctx, "", Binary, c.args("has-session", "-t", sessionTarget(name))...)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if isMissing(output) || command.ExitCode(err) > 0 {
		return false, nil
	}
	return false, c.wrap("has-session", output, err)
}

// KillSession terminates a session. Killing a missing session succeeds.
func (c *Client) KillSession(ctx context.Context, name string) error {
	output, err := c.runner.Run(ctx, "", Binary, c.args("kill-session", "-t", sessionTarget(name))...)
	if err != nil && !isMissing(output) {
		return c.wrap("kill-session", output, err)
	}
	return nil
}

// ListSessions returns the names of all sessions. No server means none.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	output, err := c.runner.Run(ctx, "", Binary, c.args("list-sessions", "-F", "#{session_name}")...)
	if err != nil {
		if isMissing(output) {
			return nil, nil
		}
		return nil, c.wrap("list-sessions", output, err)
	}
	return command.Lines(output), nil
}

// SendKeys sends tmux key names (Enter, C-c, Escape, ...) to the active pane
// of session.
func (c *Client) SendKeys(ctx context.Context, session string, keys ...string) error {
	args := append([]string{"send-keys", "-t", paneTarget(session)}, keys...)
	_, err := c.run(ctx, args...)
	return err
}

// SendLiteral types text into session without interpreting key names.
func (c *Client) SendLiteral(ctx context.Context, session, text string) error {
	_, err := c.run(ctx, "send-keys", "-t", paneTarget(session), "-l", text)
	return err
}

// SendLine types text and presses Enter.
func (c *Client) SendLine(ctx context.Context, session, text string) error {
	if err := c.SendLiteral(ctx, session, text); err != nil {
		return err
	}
	return c.SendKeys(ctx, session, "Enter")
}

// SendInterrupt sends Ctrl+C to session.
func (c *Client) SendInterrupt(ctx context.Context, session string) error {
	return c.SendKeys(ctx, session, "C-c")
}

// CapturePane returns the last lines of session's active pane, joined across
// wrapped lines. The caller should bound ctx below its polling interval.
func (c *Client) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", paneTarget(session)}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	output, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// NewWindow opens a detached window in session running shellCommand.
func (c *Client) NewWindow(ctx context.Context, session, window, workDir string, env []string, shellCommand string) error {
	args := []string{"new-window", "-d", "-t", paneTarget(session), "-n", window}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	if shellCommand != "" {
		args = append(args, shellCommand)
	}
	_, err := c.run(ctx, args...)
	return err
}

// KillWindow terminates session:window. A missing window succeeds.
func (c *Client) KillWindow(ctx context.Context, session, window string) error {
	output, err := c.runner.Run(ctx, "", Binary, c.args("kill-window", "-t", windowTarget(session, window))...)
	if err != nil && !isMissing(output) {
		return c.wrap("kill-window", output, err)
	}
	return nil
}

// HasWindow reports whether a window named window exists in session.
func (c *Client) HasWindow(ctx context.Context, session, window string) (bool, error) {
	output, err := c.runner.Run(ctx, "", Binary, c.args("list-windows", "-t", sessionTarget(session), "-F", "#{window_name}")...)
	if err != nil {
		if isMissing(output) || command.ExitCode(err) > 0 {
			return false, nil
		}
		return false, c.wrap("list-windows", output, err)
	}
	for _, line := range command.Lines(output) {
		if line == window {
			return true, nil
		}
	}
	return false, nil
}

// PanePID returns the PID of the process in session's active pane, or 0.
func (c *Client) PanePID(ctx context.Context, session string) int {
	output, err := c.run(ctx, "display-message", "-p", "-t", paneTarget(session), "#{pane_pid}")
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(command.Trimmed(output))
	if err != nil {
		return 0
	}
	return pid
}

// AttachArgs returns the argv that attaches a terminal to session.
func (c *Client) AttachArgs(session string) []string {
	return append([]string{Binary}, c.args("attach-session", "-t", sessionTarget(session))...)
}

// Targets use tmux's "=" exact-match form. A bare name is resolved by prefix,
// so "az-1" would reach "az-10" once az-1 is gone.
func sessionTarget(session string) string {
	return "=" + session
}

func paneTarget(session string) string {
	return "=" + session + ":"
}

func windowTarget(session, window string) string {
	return "=" + session + ":=" + window
}

func (c *Client) args(args ...string) []string {
	if c.socket == "" {
		return args
	}
	return append([]string{"-L", c.socket}, args...)
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	output, err := c.runner.Run(ctx, "", Binary, c.args(args...)...)
	if err != nil {
		return output, c.wrap(args[0], output, err)
	}
	return output, nil
}

func (c *Client) wrap(op string, output []byte, err error) error {
	if msg := command.Trimmed(output); msg != "" {
		return fmt.Errorf("tmux %s failed: %s: %w", op, msg, err)
	}
	return fmt.Errorf("tmux %s failed: %w", op, err)
}

// isMissing matches tmux messages for absent sessions, windows or servers.
func isMissing(output []byte) bool {
	msg := strings.ToLower(string(output))
	for _, s := range []string{"can't find session", "can't find window", "no server running", "error connecting to", "session not found"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
