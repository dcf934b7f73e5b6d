package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/tmux"
)

// Defaults for Config fields left empty.
const (
	DefaultPathTemplate   = "{{.Parent}}/{{.RepoName}}-{{.TaskID}}"
	DefaultBranchTemplate = "{{.TaskID}}"
	DefaultSessionPrefix  = "az"
	DefaultPromptFile     = ".azedarach-prompt.md"
	DefaultAgentCommand   = "claude"
)

// Resource names used in ResourceError.
const (
	ResourceWorkspace = "workspace"
	ResourceSession   = "session"
	ResourceBoth      = "workspace+session"
)

// Config controls naming and launch of task resources.
type Config struct {
	// PathTemplate is a text/template for the worktree path. Fields:
	// .TaskID, .RepoDir, .RepoName, .Parent (the repository's parent dir).
	PathTemplate string
	// BranchTemplate is a text/template for the task branch name (.TaskID).
	BranchTemplate string
	// SessionPrefix prefixes multiplexer session names.
	SessionPrefix string
	// Session sizes and configures new multiplexer sessions.
	Session tmux.SessionOptions
	// AgentCommand and AgentArgs start the coding agent.
	AgentCommand string
	AgentArgs    []string
	// PromptFile is written inside the workspace and fed to the agent.
	PromptFile string
	// StopTimeout bounds the wait after interrupting the agent on StopSession.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PathTemplate == "" {
		c.PathTemplate = DefaultPathTemplate
	}
	if c.BranchTemplate == "" {
		c.BranchTemplate = DefaultBranchTemplate
	}
	if c.SessionPrefix == "" {
		c.SessionPrefix = DefaultSessionPrefix
	}
	if c.AgentCommand == "" {
		c.AgentCommand = DefaultAgentCommand
	}
	if c.PromptFile == "" {
		c.PromptFile = DefaultPromptFile
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = tmux.DefaultGracefulStopTimeout
	}
	return c
}

// Workspaces is the subset of worktree operations the lifecycle needs.
type Workspaces interface {
	Exists(ctx context.Context, path string) (bool, error)
	CreateFromBranch(ctx context.Context, path, newBranch, base string) error
	AddExisting(ctx context.Context, path, branch string) error
	Remove(ctx context.Context, path string) error
	BranchExists(ctx context.Context, branch string) bool
	RepoDir() string
}

// Multiplexer is the subset of tmux operations the lifecycle needs.
type Multiplexer interface {
	CreateSession(ctx context.Context, name, workDir string, opts tmux.SessionOptions) error
	HasSession(ctx context.Context, name string) (bool, error)
	KillSession(ctx context.Context, name string) error
	SendLine(ctx context.Context, target, text string) error
	GracefulShutdown(ctx context.Context, session string, timeout time.Duration) error
}

// Workspace describes the resources of one task.
type Workspace struct {
	TaskID  string
	Path    string
	Branch  string
	Session string

	// CreatedWorkspace and CreatedSession are false when Create reused an
	// existing resource.
	CreatedWorkspace bool
	CreatedSession   bool
}

// Reused reports whether Create found both resources already in place.
func (w Workspace) Reused() bool {
	return !w.CreatedWorkspace && !w.CreatedSession
}

type templateData struct {
	TaskID   string
	RepoDir  string
	RepoName string
	Parent   string
}

// Manager creates and destroys task resources.
type Manager struct {
	cfg       Config
	worktrees Workspaces
	mux       Multiplexer
	logger    *logging.Logger

	pathTmpl   *template.Template
	branchTmpl *template.Template

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager validates the naming templates and returns a Manager.
func NewManager(cfg Config, worktrees Workspaces, mux Multiplexer, logger *logging.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	pathTmpl, err := template.New("path").Option("missingkey=error").Parse(cfg.PathTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid worktree path template: %w", err)
	}
	branchTmpl, err := template.New("branch").Option("missingkey=error").Parse(cfg.BranchTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid branch template: %w", err)
	}
	return &Manager{
		cfg:        cfg,
		worktrees:  worktrees,
		mux:        mux,
		logger:     logging.OrNop(logger).WithComponent("lifecycle"),
		pathTmpl:   pathTmpl,
		branchTmpl: branchTmpl,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// SessionName returns the multiplexer session name for taskID.
func (m *Manager) SessionName(taskID string) string {
	return tmux.SessionName(m.cfg.SessionPrefix, taskID)
}

// SessionPrefix returns the configured session name prefix.
func (m *Manager) SessionPrefix() string {
	return m.cfg.SessionPrefix
}

// Resolve computes the deterministic names for taskID without touching
// anything.
func (m *Manager) Resolve(taskID string) (Workspace, error) {
	if strings.TrimSpace(taskID) == "" {
		return Workspace{}, fmt.Errorf("task id is required")
	}
	repo := m.worktrees.RepoDir()
	data := templateData{
		TaskID:   taskID,
		RepoDir:  repo,
		RepoName: filepath.Base(repo),
		Parent:   filepath.Dir(repo),
	}

	var path bytes.Buffer
	if err := m.pathTmpl.Execute(&path, data); err != nil {
		return Workspace{}, fmt.Errorf("failed to render worktree path: %w", err)
	}
	var branch bytes.Buffer
	if err := m.branchTmpl.Execute(&branch, data); err != nil {
		return Workspace{}, fmt.Errorf("failed to render branch name: %w", err)
	}

	p := filepath.Clean(path.String())
	if !filepath.IsAbs(p) {
		p = filepath.Join(repo, p)
	}
	return Workspace{
		TaskID:  taskID,
		Path:    p,
		Branch:  strings.TrimSpace(branch.String()),
		Session: m.SessionName(taskID),
	}, nil
}

// Create ensures the worktree and multiplexer session for taskID exist. A new
// branch is started from base unless the task branch already exists.
func (m *Manager) Create(ctx context.Context, taskID, base string) (Workspace, error) {
	unlock := m.lock(taskID)
	defer unlock()

	ws, err := m.Resolve(taskID)
	if err != nil {
		return Workspace{}, errors.NewResourceError("create", taskID, ResourceWorkspace, err)
	}
	logger := m.logger.WithTask(taskID)

	exists, err := m.worktrees.Exists(ctx, ws.Path)
	if err != nil {
		return ws, errors.NewResourceError("create", taskID, ResourceWorkspace, err).WithPath(ws.Path)
	}
	if !exists {
		if m.worktrees.BranchExists(ctx, ws.Branch) {
			err = m.worktrees.AddExisting(ctx, ws.Path, ws.Branch)
		} else {
			err = m.worktrees.CreateFromBranch(ctx, ws.Path, ws.Branch, base)
		}
		if err != nil {
			logger.Warn("failed to create worktree", "path", ws.Path, "branch", ws.Branch, "error", err)
			return ws, errors.NewResourceError("create", taskID, ResourceWorkspace, err).WithPath(ws.Path)
		}
		ws.CreatedWorkspace = true
		logger.Info("worktree created", "path", ws.Path, "branch", ws.Branch, "base", base)
	}

	alive, err := m.mux.HasSession(ctx, ws.Session)
	if err == nil && !alive {
		opts := m.cfg.Session
		opts.Env = append(append([]string(nil), opts.Env...), "AZEDARACH_TASK_ID="+taskID)
		if err = m.mux.CreateSession(ctx, ws.Session, ws.Path, opts); err == nil {
			ws.CreatedSession = true
			logger.Info("session created", "session", ws.Session)
		}
	}
	if err != nil {
		logger.Warn("failed to create session", "session", ws.Session, "error", err)
		return ws, m.rollback(ctx, ws, err)
	}

	if ws.Reused() {
		logger.Debug("reusing workspace and session", "path", ws.Path, "session", ws.Session)
	}
	return ws, nil
}

// rollback removes a worktree created in this call after the session failed.
// A pre-existing worktree is left alone.
func (m *Manager) rollback(ctx context.Context, ws Workspace, cause error) error {
	if !ws.CreatedWorkspace {
		return errors.NewResourceError("create", ws.TaskID, ResourceSession, cause).WithPath(ws.Path)
	}
	if rerr := m.worktrees.Remove(ctx, ws.Path); rerr != nil {
		m.logger.WithTask(ws.TaskID).Error("rollback failed, worktree left behind",
			"path", ws.Path, "error", rerr)
		return errors.NewResourceError("create", ws.TaskID, ResourceBoth, errors.Join(cause, rerr)).
			WithPath(ws.Path).
			WithPartial(true)
	}
	return errors.NewResourceError("create", ws.TaskID, ResourceSession, cause).WithPath(ws.Path)
}

// Delete kills the session and removes the worktree. Both are attempted even
// if the first fails; failures are joined into one ResourceError. The task
// branch is kept.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	unlock := m.lock(taskID)
	defer unlock()

	ws, err := m.Resolve(taskID)
	if err != nil {
		return errors.NewResourceError("delete", taskID, ResourceBoth, err)
	}
	logger := m.logger.WithTask(taskID)

	var failed []string
	var errs []error
	if err := m.mux.KillSession(ctx, ws.Session); err != nil {
		failed = append(failed, ResourceSession)
		errs = append(errs, err)
		logger.Warn("failed to kill session", "session", ws.Session, "error", err)
	}

	exists, err := m.worktrees.Exists(ctx, ws.Path)
	switch {
	case err != nil:
		failed = append(failed, ResourceWorkspace)
		errs = append(errs, err)
	case exists:
		if err := m.worktrees.Remove(ctx, ws.Path); err != nil {
			failed = append(failed, ResourceWorkspace)
			errs = append(errs, err)
			logger.Warn("failed to remove worktree", "path", ws.Path, "error", err)
		}
	}

	if len(errs) > 0 {
		return errors.NewResourceError("delete", taskID, strings.Join(failed, "+"), errors.Join(errs...)).
			WithPath(ws.Path).
			WithPartial(true)
	}
	logger.Info("resources deleted", "path", ws.Path, "session", ws.Session)
	return nil
}

// SessionAlive reports whether the task's multiplexer session is running.
func (m *Manager) SessionAlive(ctx context.Context, taskID string) (bool, error) {
	return m.mux.HasSession(ctx, m.SessionName(taskID))
}

// StopSession interrupts the agent and kills the task's session. The
// worktree is kept.
func (m *Manager) StopSession(ctx context.Context, taskID string) error {
	name := m.SessionName(taskID)
	if err := m.mux.GracefulShutdown(ctx, name, m.cfg.StopTimeout); err != nil {
		return errors.NewResourceError("stop", taskID, ResourceSession, err)
	}
	return nil
}

// Launch starts the coding agent in ws's session. A non-empty prompt is
// written to the prompt file and passed to the agent through command
// substitution so it is never shell-quoted. The shell deletes the file as it
// reads it, so the prompt never shows up in the task's commits.
func (m *Manager) Launch(ctx context.Context, ws Workspace, prompt string) error {
	cmd := m.AgentCommand(ws, prompt != "")
	file := filepath.Join(ws.Path, m.cfg.PromptFile)
	if prompt != "" {
		if err := os.WriteFile(file, []byte(prompt), 0600); err != nil {
			return errors.NewResourceError("launch", ws.TaskID, ResourceWorkspace,
				fmt.Errorf("failed to write prompt file: %w", err)).WithPath(ws.Path)
		}
	}
	if err := m.mux.SendLine(ctx, ws.Session, cmd); err != nil {
		if prompt != "" {
			_ = os.Remove(file)
		}
		return errors.NewResourceError("launch", ws.TaskID, ResourceSession, err)
	}
	m.logger.WithTask(ws.TaskID).Info("agent launched", "session", ws.Session, "with_prompt", prompt != "")
	return nil
}

// AgentCommand builds the shell line that starts the agent.
func (m *Manager) AgentCommand(ws Workspace, withPrompt bool) string {
	parts := []string{m.cfg.AgentCommand}
	parts = append(parts, m.cfg.AgentArgs...)
	if withPrompt {
		f := shellQuote(m.cfg.PromptFile)
		parts = append(parts, fmt.Sprintf(`"$(cat %s && rm -f %s)"`, f, f))
	}
	return strings.Join(parts, " ")
}

func (m *Manager) lock(taskID string) func() {
	m.mu.Lock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
