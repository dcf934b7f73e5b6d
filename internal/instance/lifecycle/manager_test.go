package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riordanpawley/azedarach/internal/command"
	azerrors "github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/testutil"
	"github.com/riordanpawley/azedarach/internal/tmux"
	"github.com/riordanpawley/azedarach/internal/worktree"
)

// fakeWorktrees records worktree operations in memory.
type fakeWorktrees struct {
	mu        sync.Mutex
	repo      string
	trees     map[string]string // path -> branch
	branches  map[string]bool
	creates   int
	createErr error
	removeErr error
	existsErr error
}

func newFakeWorktrees(repo string) *fakeWorktrees {
	return &fakeWorktrees{repo: repo, trees: map[string]string{}, branches: map[string]bool{"main": true}}
}

func (f *fakeWorktrees) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.trees[path]
	return ok, nil
}

func (f *fakeWorktrees) CreateFromBranch(_ context.Context, path, newBranch, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.creates++
	f.trees[path] = newBranch
	f.branches[newBranch] = true
	return nil
}

func (f *fakeWorktrees) AddExisting(_ context.Context, path, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.trees[path] = branch
	return nil
}

func (f *fakeWorktrees) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.trees, path)
	return nil
}

func (f *fakeWorktrees) BranchExists(_ context.Context, branch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[branch]
}

func (f *fakeWorktrees) RepoDir() string { return f.repo }

func (f *fakeWorktrees) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trees)
}

// fakeMux records multiplexer sessions in memory.
type fakeMux struct {
	mu        sync.Mutex
	sessions  map[string]string // name -> workdir
	sent      []string
	creates   int
	createErr error
	killErr   error
	sendErr   error
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: map[string]string{}}
}

func (f *fakeMux) CreateSession(_ context.Context, name, workDir string, _ tmux.SessionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.creates++
	f.sessions[name] = workDir
	return nil
}

func (f *fakeMux) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

func (f *fakeMux) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) SendLine(_ context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, target+": "+text)
	return nil
}

func (f *fakeMux) GracefulShutdown(ctx context.Context, session string, _ time.Duration) error {
	return f.KillSession(ctx, session)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeWorktrees, *fakeMux) {
	t.Helper()
	wt := newFakeWorktrees("/src/project")
	mux := newFakeMux()
	m, err := NewManager(cfg, wt, mux, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, wt, mux
}

func TestManager_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		taskID     string
		wantPath   string
		wantBranch string
		wantSess   string
	}{
		{
			name:       "defaults",
			taskID:     "az-12",
			wantPath:   "/src/project-az-12",
			wantBranch: "az-12",
			wantSess:   "az-az-12",
		},
		{
			name:       "custom templates",
			cfg:        Config{PathTemplate: ".worktrees/{{.TaskID}}", BranchTemplate: "task/{{.TaskID}}", SessionPrefix: "w"},
			taskID:     "x.1",
			wantPath:   "/src/project/.worktrees/x.1",
			wantBranch: "task/x.1",
			wantSess:   "w-x-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, tt.cfg)
			ws, err := m.Resolve(tt.taskID)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if ws.Path != tt.wantPath || ws.Branch != tt.wantBranch || ws.Session != tt.wantSess {
				t.Errorf("Resolve() = %+v, want path %q branch %q session %q", ws, tt.wantPath, tt.wantBranch, tt.wantSess)
			}
		})
	}
}

func TestNewManager_InvalidTemplate(t *testing.T) {
	_, err := NewManager(Config{PathTemplate: "{{.Nope"}, newFakeWorktrees("/r"), newFakeMux(), nil)
	if err == nil {
		t.Error("NewManager() error = nil, want template error")
	}
}

func TestManager_CreateIsIdempotent(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})
	ctx := context.Background()

	first, err := m.Create(ctx, "az-1", "main")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !first.CreatedWorkspace || !first.CreatedSession {
		t.Errorf("first Create() = %+v, want both created", first)
	}

	second, err := m.Create(ctx, "az-1", "main")
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if second.Path != first.Path {
		t.Errorf("second path = %q, want %q", second.Path, first.Path)
	}
	if !second.Reused() {
		t.Errorf("second Create() = %+v, want reused", second)
	}
	if wt.creates != 1 || mux.creates != 1 {
		t.Errorf("creates = %d worktrees, %d sessions; want 1 each", wt.creates, mux.creates)
	}
}

func TestManager_CreateConcurrentSameTask(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := m.Create(context.Background(), "az-1", "main")
			if err != nil {
				t.Errorf("Create() error = %v", err)
			}
			paths[i] = ws.Path
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		if p != paths[0] {
			t.Errorf("paths differ: %q vs %q", p, paths[0])
		}
	}
	if wt.creates != 1 || mux.creates != 1 {
		t.Errorf("creates = %d worktrees, %d sessions; want 1 each", wt.creates, mux.creates)
	}
}

func TestManager_CreateReusesExistingBranch(t *testing.T) {
	m, wt, _ := newTestManager(t, Config{})
	wt.branches["az-7"] = true

	ws, err := m.Create(context.Background(), "az-7", "main")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := wt.trees[ws.Path]; got != "az-7" {
		t.Errorf("worktree branch = %q, want az-7", got)
	}
}

func TestManager_CreateRollsBackOnSessionFailure(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})
	mux.createErr = errors.New("tmux: server exited")

	_, err := m.Create(context.Background(), "az-2", "main")
	var rerr *azerrors.ResourceError
	if !errors.As(err, &rerr) {
		t.Fatalf("Create() error = %v, want ResourceError", err)
	}
	if rerr.Resource != ResourceSession || rerr.Partial {
		t.Errorf("ResourceError = %+v, want session, not partial", rerr)
	}
	if wt.count() != 0 {
		t.Errorf("worktrees after rollback = %d, want 0", wt.count())
	}
}

func TestManager_CreatePartialWhenRollbackFails(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})
	mux.createErr = errors.New("tmux: server exited")
	wt.removeErr = errors.New("worktree locked")

	_, err := m.Create(context.Background(), "az-3", "main")
	var rerr *azerrors.ResourceError
	if !errors.As(err, &rerr) {
		t.Fatalf("Create() error = %v, want ResourceError", err)
	}
	if !rerr.Partial || rerr.Resource != ResourceBoth {
		t.Errorf("ResourceError = %+v, want partial workspace+session", rerr)
	}
	if !strings.Contains(err.Error(), "worktree locked") {
		t.Errorf("error %q should include rollback failure", err)
	}
}

func TestManager_CreateKeepsPreexistingWorkspace(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})
	ws, _ := m.Resolve("az-4")
	wt.trees[ws.Path] = "az-4"
	mux.createErr = errors.New("boom")

	if _, err := m.Create(context.Background(), "az-4", "main"); err == nil {
		t.Fatal("Create() error = nil, want error")
	}
	if _, ok := wt.trees[ws.Path]; !ok {
		t.Error("pre-existing worktree was removed")
	}
}

func TestManager_CreateWorkspaceFailure(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})
	wt.createErr = errors.New("invalid reference: nope")

	_, err := m.Create(context.Background(), "az-5", "nope")
	var rerr *azerrors.ResourceError
	if !errors.As(err, &rerr) || rerr.Resource != ResourceWorkspace {
		t.Fatalf("Create() error = %v, want workspace ResourceError", err)
	}
	if len(mux.sessions) != 0 {
		t.Error("session created despite workspace failure")
	}
}

func TestManager_DeleteBestEffort(t *testing.T) {
	m, wt, mux := newTestManager(t, Config{})
	ctx := context.Background()
	if _, err := m.Create(ctx, "az-6", "main"); err != nil {
		t.Fatal(err)
	}
	mux.killErr = errors.New("kill failed")

	err := m.Delete(ctx, "az-6")
	var rerr *azerrors.ResourceError
	if !errors.As(err, &rerr) {
		t.Fatalf("Delete() error = %v, want ResourceError", err)
	}
	if rerr.Resource != ResourceSession {
		t.Errorf("Resource = %q, want session", rerr.Resource)
	}
	if wt.count() != 0 {
		t.Error("worktree not removed after session kill failed")
	}

	mux.killErr = nil
	if err := m.Delete(ctx, "az-6"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestManager_Launch(t *testing.T) {
	dir := t.TempDir()
	m, _, mux := newTestManager(t, Config{AgentCommand: "claude", AgentArgs: []string{"--dangerously-skip-permissions"}})
	ws := Workspace{TaskID: "az-8", Path: dir, Session: "az-az-8"}

	if err := m.Launch(context.Background(), ws, "Fix the login bug"); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, DefaultPromptFile))
	if err != nil || string(data) != "Fix the login bug" {
		t.Errorf("prompt file = %q, %v", data, err)
	}
	want := `az-az-8: claude --dangerously-skip-permissions "$(cat .azedarach-prompt.md && rm -f .azedarach-prompt.md)"`
	if len(mux.sent) != 1 || mux.sent[0] != want {
		t.Errorf("sent = %v, want [%s]", mux.sent, want)
	}
}

func TestManager_AgentCommandWithoutPrompt(t *testing.T) {
	m, _, _ := newTestManager(t, Config{PromptFile: "my prompt.md"})
	ws := Workspace{}
	if got := m.AgentCommand(ws, false); got != "claude" {
		t.Errorf("AgentCommand(false) = %q", got)
	}
	if got := m.AgentCommand(ws, true); got != `claude "$(cat 'my prompt.md' && rm -f 'my prompt.md')"` {
		t.Errorf("AgentCommand(true) = %q", got)
	}
}

func TestManager_LaunchFailureRemovesPromptFile(t *testing.T) {
	dir := t.TempDir()
	m, _, mux := newTestManager(t, Config{})
	mux.sendErr = errors.New("no pane")

	err := m.Launch(context.Background(), Workspace{TaskID: "az-8", Path: dir, Session: "az-az-8"}, "Fix it")
	var resErr *azerrors.ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Launch() error = %v, want ResourceError", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultPromptFile)); !os.IsNotExist(err) {
		t.Errorf("prompt file left behind after failed launch: %v", err)
	}
}

// shellMux runs sent lines with sh in the session's directory, standing in for
// the shell inside a real tmux pane.
type shellMux struct {
	*fakeMux
}

func (s shellMux) SendLine(ctx context.Context, target, text string) error {
	s.mu.Lock()
	dir := s.sessions[target]
	s.mu.Unlock()
	cmd := exec.CommandContext(ctx, "sh", "-c", text)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w", out, err)
	}
	return nil
}

func TestManager_LaunchLeavesWorktreeClean(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	repo := testutil.SetupTestRepo(t)
	ctx := context.Background()

	wt := worktree.NewAt(command.NewExecRunner(), repo)
	m, err := NewManager(Config{AgentCommand: "true", PathTemplate: ".worktrees/{{.TaskID}}"}, wt, shellMux{newFakeMux()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ws, err := m.Create(ctx, "az-1", "main")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Launch(ctx, ws, "Fix the login bug"); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	dirty, err := wt.HasUncommittedChanges(ctx, ws.Path)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Errorf("worktree dirty after launch:\n%s", testutil.Git(t, ws.Path, "status", "--porcelain"))
	}

	testutil.CommitFile(t, ws.Path, "login.go", "package login\n", "fix login")
	if err := wt.CommitAll(ctx, ws.Path, "wip"); err != nil {
		t.Fatalf("CommitAll() error = %v", err)
	}
	if files := testutil.Git(t, ws.Path, "ls-files"); strings.Contains(files, DefaultPromptFile) {
		t.Errorf("prompt file committed to the task branch:\n%s", files)
	}
}

func TestManager_StopSession(t *testing.T) {
	m, _, mux := newTestManager(t, Config{})
	ctx := context.Background()
	if _, err := m.Create(ctx, "az-9", "main"); err != nil {
		t.Fatal(err)
	}
	if err := m.StopSession(ctx, "az-9"); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if alive, _ := m.SessionAlive(ctx, "az-9"); alive {
		t.Error("session still alive after StopSession")
	}
	if len(mux.sessions) != 0 {
		t.Errorf("sessions = %v", mux.sessions)
	}
}
