package tmux

import (
	"context"
	"syscall"
	"time"
)

// DefaultGracefulStopTimeout is how long GracefulShutdown waits after Ctrl+C
// before killing the session.
const DefaultGracefulStopTimeout = 500 * time.Millisecond

// GracefulShutdown interrupts the agent in session, waits up to timeout for
// the pane process to exit, then kills the session. It never kills the tmux
// server, which is shared by every task.
func (c *Client) GracefulShutdown(ctx context.Context, session string, timeout time.Duration) error {
	pid := c.PanePID(ctx, session)
	_ = c.SendInterrupt(ctx, session)
	WaitForProcessExit(ctx, pid, timeout)
	return c.KillSession(ctx, session)
}

// IsProcessAlive checks if a process with the given PID exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// kill(pid, 0) checks existence without sending a signal.
	return syscall.Kill(pid, 0) == nil
}

// WaitForProcessExit polls until pid exits, timeout elapses or ctx is done.
// Returns true if the process is gone.
func WaitForProcessExit(ctx context.Context, pid int, timeout time.Duration) bool {
	if pid <= 0 || !IsProcessAlive(pid) {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return !IsProcessAlive(pid)
		case <-deadline.C:
			return !IsProcessAlive(pid)
		case <-ticker.C:
			if !IsProcessAlive(pid) {
				return true
			}
		}
	}
}
