package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	azerrors "github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/instance/lifecycle"
	"github.com/riordanpawley/azedarach/internal/instance/monitor"
	"github.com/riordanpawley/azedarach/internal/orchestrator/gitflow"
	"github.com/riordanpawley/azedarach/internal/session"
	"github.com/riordanpawley/azedarach/internal/tracker"
)

type fakeLifecycle struct {
	mu          sync.Mutex
	creates     int
	launches    []string
	stops       int
	deletes     int
	reuse       bool
	createDelay time.Duration
	createErr   error
	launchErr   error
	stopErr     error
	deleteErr   error

	// keepWorkspace makes Create reuse the workspace but create the session.
	keepWorkspace bool
}

func (f *fakeLifecycle) Resolve(taskID string) (lifecycle.Workspace, error) {
	return lifecycle.Workspace{
		TaskID:  taskID,
		Path:    "/w/" + taskID,
		Branch:  taskID,
		Session: f.SessionName(taskID),
	}, nil
}

func (f *fakeLifecycle) Create(_ context.Context, taskID, _ string) (lifecycle.Workspace, error) {
	f.mu.Lock()
	f.creates++
	delay, reuse, keep, err := f.createDelay, f.reuse, f.keepWorkspace, f.createErr
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	ws, _ := f.Resolve(taskID)
	if err != nil {
		return ws, err
	}
	ws.CreatedWorkspace = !reuse && !keep
	ws.CreatedSession = !reuse
	return ws, nil
}

func (f *fakeLifecycle) Delete(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeLifecycle) SessionAlive(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeLifecycle) StopSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeLifecycle) Launch(_ context.Context, _ lifecycle.Workspace, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, prompt)
	return f.launchErr
}

func (f *fakeLifecycle) SessionName(taskID string) string { return "az-" + taskID }
func (f *fakeLifecycle) SessionPrefix() string            { return "az" }

func (f *fakeLifecycle) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fakeMonitor struct {
	mu       sync.Mutex
	handler  monitor.Handler
	active   map[string]session.State
	starts   int
	stops    int
	stopAlls int

	// beforeStop runs at the start of Stop, as a poller's last tick would.
	beforeStop func(taskID string)
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{active: make(map[string]session.State)}
}

func (f *fakeMonitor) OnStateChange(h monitor.Handler) { f.handler = h }

func (f *fakeMonitor) StartFrom(taskID string, initial session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.active[taskID] = initial
}

func (f *fakeMonitor) Stop(taskID string) bool {
	f.mu.Lock()
	hook := f.beforeStop
	f.mu.Unlock()
	if hook != nil {
		hook(taskID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	_, ok := f.active[taskID]
	delete(f.active, taskID)
	return ok
}

func (f *fakeMonitor) StopAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAlls++
	f.active = make(map[string]session.State)
}

func (f *fakeMonitor) IsMonitoring(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[taskID]
	return ok
}

func (f *fakeMonitor) activeState(taskID string) (session.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.active[taskID]
	return st, ok
}

func (f *fakeMonitor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// emit delivers a detector event as the poller goroutine would.
func (f *fakeMonitor) emit(taskID string, old, next session.State) {
	f.handler(monitor.Event{TaskID: taskID, Old: old, New: next, At: time.Now()})
}

type fakeMux struct {
	mu           sync.Mutex
	lines        []string
	interrupts   []string
	sessions     []string
	sendErr      error
	interruptErr error
}

func (f *fakeMux) SendLine(_ context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.lines = append(f.lines, target+": "+text)
	return nil
}

func (f *fakeMux) SendInterrupt(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interruptErr != nil {
		return f.interruptErr
	}
	f.interrupts = append(f.interrupts, target)
	return nil
}

func (f *fakeMux) ListSessions(context.Context) ([]string, error) {
	return f.sessions, nil
}

type fakeGitFlow struct {
	update func(ctx context.Context, t gitflow.Target) error
	merge  func(ctx context.Context, t gitflow.Target) error
	pr     func(ctx context.Context, t gitflow.Target) (string, error)
	last   gitflow.Target
}

func (f *fakeGitFlow) UpdateFromMain(ctx context.Context, t gitflow.Target) error {
	f.last = t
	if f.update == nil {
		return nil
	}
	return f.update(ctx, t)
}

func (f *fakeGitFlow) MergeToMain(ctx context.Context, t gitflow.Target) error {
	f.last = t
	if f.merge == nil {
		return nil
	}
	return f.merge(ctx, t)
}

func (f *fakeGitFlow) CreatePR(ctx context.Context, t gitflow.Target) (string, error) {
	f.last = t
	if f.pr == nil {
		return "https://github.com/acme/repo/pull/1", nil
	}
	return f.pr(ctx, t)
}

type fakeDev struct {
	toggles  int
	released []string
	err      error
}

func (f *fakeDev) Toggle(_ context.Context, _, _, _ string, current *session.DevServer) (*session.DevServer, error) {
	f.toggles++
	if f.err != nil {
		return current, f.err
	}
	if current != nil && current.Running {
		stopped := *current
		stopped.Running = false
		return &stopped, nil
	}
	return &session.DevServer{Port: 3000, Command: "npm run dev", Running: true, Window: "dev"}, nil
}

func (f *fakeDev) Restore(string, *session.DevServer) error { return nil }
func (f *fakeDev) Release(taskID string)                    { f.released = append(f.released, taskID) }

type fakeTasks struct {
	mu       sync.Mutex
	task     tracker.Task
	statuses []string
	closed   []string
	closeErr error
}

func (f *fakeTasks) Enabled() bool { return true }

func (f *fakeTasks) Show(_ context.Context, id string) (tracker.Task, error) {
	t := f.task
	t.ID = id
	return t, nil
}

func (f *fakeTasks) Close(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, id+": "+reason)
	return nil
}

func (f *fakeTasks) UpdateStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, id+"="+status)
	return nil
}

type fakeSnapshots struct {
	dirty   bool
	commits []string
}

func (f *fakeSnapshots) HasUncommittedChanges(context.Context, string) (bool, error) {
	return f.dirty, nil
}

func (f *fakeSnapshots) CommitAll(_ context.Context, dir, message string) error {
	f.commits = append(f.commits, dir+": "+message)
	return nil
}

// recorder collects every published event.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(eventType string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) transitions() [][2]session.State {
	var out [][2]session.State
	for _, e := range r.ofType(event.TypeStateChanged) {
		sc := e.(event.StateChangedEvent)
		out = append(out, [2]session.State{sc.Old, sc.New})
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	o      *Orchestrator
	life   *fakeLifecycle
	mon    *fakeMonitor
	git    *fakeGitFlow
	mux    *fakeMux
	dev    *fakeDev
	tasks  *fakeTasks
	snaps  *fakeSnapshots
	store  *session.Store
	events *recorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessAt(t, opts, filepath.Join(t.TempDir(), "state"))
}

// newHarnessAt builds a harness whose store lives in stateDir, so two
// harnesses can share one snapshot the way two processes do.
func newHarnessAt(t *testing.T, opts Options, stateDir string) *harness {
	t.Helper()
	store, err := session.NewStore(stateDir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	h := &harness{
		life:   &fakeLifecycle{},
		mon:    newFakeMonitor(),
		git:    &fakeGitFlow{},
		mux:    &fakeMux{},
		dev:    &fakeDev{},
		tasks:  &fakeTasks{task: tracker.Task{Title: "Fix login", Description: "Users cannot log in."}},
		snaps:  &fakeSnapshots{},
		store:  store,
		events: &recorder{},
	}
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = "{{.TaskID}}: {{.Title}}"
	}
	if opts.ResumeMessage == "" {
		opts.ResumeMessage = "continue"
	}
	h.o, err = New(opts, Deps{
		Lifecycle:  h.life,
		Monitor:    h.mon,
		Git:        h.git,
		Mux:        h.mux,
		DevServers: h.dev,
		Tasks:      h.tasks,
		Snapshots:  h.snaps,
		Store:      store,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.o.Bus().SubscribeAll(h.events.handle)
	return h
}

// started returns a harness with taskID already Busy.
func startedHarness(t *testing.T, opts Options, taskID string) *harness {
	t.Helper()
	h := newHarness(t, opts)
	if err := h.o.Start(context.Background(), taskID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	h.events.reset()
	return h
}

func assertInvalidTransition(t *testing.T, err error) {
	t.Helper()
	var invalid *azerrors.InvalidTransitionError
	if !azerrors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidTransitionError", err)
	}
}
