// Package devserver runs a task's auxiliary dev server in a dedicated window
// of the task's multiplexer session, on a port taken from a ports.Allocator.
package devserver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/ports"
	"github.com/riordanpawley/azedarach/internal/session"
)

// Defaults for Config fields left empty.
const (
	DefaultBasePort = 3000
	DefaultPortEnv  = "PORT"
	DefaultWindow   = "dev"
)

// ErrNoCommand is returned when no dev-server command is configured.
var ErrNoCommand = errors.New("dev server command not configured")

// Config configures dev servers.
type Config struct {
	Command  string
	BasePort int
	PortEnv  string
	Window   string
}

// Windows is the subset of tmux operations needed to host a dev server.
type Windows interface {
	NewWindow(ctx context.Context, session, window, workDir string, env []string, shellCommand string) error
	KillWindow(ctx context.Context, session, window string) error
	HasWindow(ctx context.Context, session, window string) (bool, error)
}

// Manager starts and stops dev servers.
type Manager struct {
	cfg     Config
	windows Windows
	ports   *ports.Allocator
	logger  *logging.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, windows Windows, allocator *ports.Allocator, logger *logging.Logger) *Manager {
	if cfg.BasePort <= 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortEnv == "" {
		cfg.PortEnv = DefaultPortEnv
	}
	if cfg.Window == "" {
		cfg.Window = DefaultWindow
	}
	return &Manager{
		cfg:     cfg,
		windows: windows,
		ports:   allocator,
		logger:  logging.OrNop(logger).WithComponent("devserver"),
	}
}

// Start allocates a port and launches the dev server in sess. A
// PortExhaustionError fails only this start.
func (m *Manager) Start(ctx context.Context, taskID, sess, workDir string) (*session.DevServer, error) {
	if m.cfg.Command == "" {
		return nil, ErrNoCommand
	}
	port, err := m.ports.Allocate(taskID, m.cfg.BasePort)
	if err != nil {
		return nil, err
	}

	env := []string{m.cfg.PortEnv + "=" + strconv.Itoa(port)}
	if err := m.windows.NewWindow(ctx, sess, m.cfg.Window, workDir, env, m.cfg.Command); err != nil {
		m.ports.Release(taskID)
		return nil, fmt.Errorf("failed to start dev server: %w", err)
	}

	m.logger.WithTask(taskID).Info("dev server started", "port", port, "window", m.cfg.Window)
	return &session.DevServer{
		Port:    port,
		Command: m.cfg.Command,
		Running: true,
		Window:  m.cfg.Window,
	}, nil
}

// Stop kills the dev-server window and releases the port.
func (m *Manager) Stop(ctx context.Context, taskID, sess string) error {
	defer m.ports.Release(taskID)
	if err := m.windows.KillWindow(ctx, sess, m.cfg.Window); err != nil {
		return fmt.Errorf("failed to stop dev server: %w", err)
	}
	m.logger.WithTask(taskID).Info("dev server stopped")
	return nil
}

// Toggle stops a running dev server or starts a stopped one. It returns the
// new dev-server record.
func (m *Manager) Toggle(ctx context.Context, taskID, sess, workDir string, current *session.DevServer) (*session.DevServer, error) {
	running := current != nil && current.Running
	if running {
		if alive, err := m.windows.HasWindow(ctx, sess, m.cfg.Window); err == nil && !alive {
			running = false
			m.ports.Release(taskID)
		}
	}
	if !running {
		return m.Start(ctx, taskID, sess, workDir)
	}

	if err := m.Stop(ctx, taskID, sess); err != nil {
		return current, err
	}
	stopped := *current
	stopped.Running = false
	return &stopped, nil
}

// Restore re-reserves the port of a dev server recorded as running, so a
// restarted process does not hand it to another task.
func (m *Manager) Restore(taskID string, ds *session.DevServer) error {
	if ds == nil || !ds.Running || ds.Port == 0 {
		return nil
	}
	return m.ports.Reserve(taskID, ds.Port)
}

// Release frees taskID's port without touching the window.
func (m *Manager) Release(taskID string) {
	m.ports.Release(taskID)
}
