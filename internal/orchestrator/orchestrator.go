// Package orchestrator owns the per-task session state machine. It applies
// user commands, follows detector events from the monitor, persists every
// session record and publishes the resulting notifications on an event.Bus.
//
// Commands for one task are serialized by a per-task lock. The monitor
// handler only takes the registry lock, so a command may stop a task's poller
// while holding that task's lock without deadlocking against it.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/riordanpawley/azedarach/internal/devserver"
	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/instance/lifecycle"
	"github.com/riordanpawley/azedarach/internal/instance/monitor"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/orchestrator/gitflow"
	"github.com/riordanpawley/azedarach/internal/session"
	"github.com/riordanpawley/azedarach/internal/tracker"
)

// Lifecycle creates, launches and destroys task resources.
type Lifecycle interface {
	Resolve(taskID string) (lifecycle.Workspace, error)
	Create(ctx context.Context, taskID, base string) (lifecycle.Workspace, error)
	Delete(ctx context.Context, taskID string) error
	SessionAlive(ctx context.Context, taskID string) (bool, error)
	StopSession(ctx context.Context, taskID string) error
	Launch(ctx context.Context, ws lifecycle.Workspace, prompt string) error
	SessionName(taskID string) string
	SessionPrefix() string
}

// Monitor polls active sessions and reports detected state changes.
type Monitor interface {
	OnStateChange(h monitor.Handler)
	StartFrom(taskID string, initial session.State)
	Stop(taskID string) bool
	StopAll()
	IsMonitoring(taskID string) bool
}

// GitFlow runs the merge and pull-request workflows for one task.
type GitFlow interface {
	UpdateFromMain(ctx context.Context, t gitflow.Target) error
	MergeToMain(ctx context.Context, t gitflow.Target) error
	CreatePR(ctx context.Context, t gitflow.Target) (string, error)
}

// Mux is the subset of multiplexer operations used directly by commands.
type Mux interface {
	SendLine(ctx context.Context, target, text string) error
	SendInterrupt(ctx context.Context, target string) error
	ListSessions(ctx context.Context) ([]string, error)
}

// DevServers toggles per-task dev servers.
type DevServers interface {
	Toggle(ctx context.Context, taskID, sess, workDir string, current *session.DevServer) (*session.DevServer, error)
	Restore(taskID string, ds *session.DevServer) error
	Release(taskID string)
}

// Tasks reads and updates tasks in the tracker.
type Tasks interface {
	Enabled() bool
	Show(ctx context.Context, id string) (tracker.Task, error)
	UpdateStatus(ctx context.Context, id, status string) error
	Close(ctx context.Context, id, reason string) error
}

// Snapshotter commits in-progress work before a pause.
type Snapshotter interface {
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message string) error
}

// Options tunes command behaviour.
type Options struct {
	// BaseBranch is the branch new task branches start from.
	BaseBranch string
	// PromptTemplate renders the initial prompt (.TaskID, .Title, .Description).
	PromptTemplate string
	// ResumeMessage is typed into the agent on Resume.
	ResumeMessage string
	// PauseSnapshot commits dirty work before Pause interrupts the agent.
	PauseSnapshot bool
	// SnapshotMessage is the commit message template (.TaskID).
	SnapshotMessage string
	// PushAfterMerge and DraftPR only annotate published events.
	PushAfterMerge bool
	DraftPR        bool
	// CloseOnMerge closes the tracker task after a successful MergeToMain.
	CloseOnMerge bool
}

// Deps are the collaborators of an Orchestrator. Store, Tasks, Snapshots
// and Logger may be nil.
type Deps struct {
	Lifecycle  Lifecycle
	Monitor    Monitor
	Git        GitFlow
	Mux        Mux
	DevServers DevServers
	Tasks      Tasks
	Snapshots  Snapshotter
	Store      *session.Store
	Bus        *event.Bus
	Logger     *logging.Logger
}

// promptData is the data passed to the prompt and snapshot templates.
type promptData struct {
	TaskID      string
	Title       string
	Description string
}

// Orchestrator applies commands and detector events to session records.
type Orchestrator struct {
	opts         Options
	promptTmpl   *template.Template
	snapshotTmpl *template.Template

	lifecycle Lifecycle
	monitor   Monitor
	git       GitFlow
	mux       Mux
	dev       DevServers
	tasks     Tasks
	snapshots Snapshotter
	store     *session.Store
	bus       *event.Bus
	logger    *logging.Logger
	tracer    trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*session.Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// persistMu orders snapshot writes so the file always reflects the
	// latest in-memory record.
	persistMu sync.Mutex

	starts singleflight.Group
}

// New creates an Orchestrator and registers it as the monitor's handler.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Lifecycle == nil || deps.Monitor == nil || deps.Mux == nil {
		return nil, fmt.Errorf("orchestrator requires lifecycle, monitor and multiplexer")
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = "{{.TaskID}}{{if .Title}}: {{.Title}}{{end}}"
	}
	if opts.SnapshotMessage == "" {
		opts.SnapshotMessage = "wip({{.TaskID}}): paused"
	}

	promptTmpl, err := template.New("prompt").Parse(opts.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}
	snapshotTmpl, err := template.New("snapshot").Parse(opts.SnapshotMessage)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot message template: %w", err)
	}

	bus := deps.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	o := &Orchestrator{
		opts:         opts,
		promptTmpl:   promptTmpl,
		snapshotTmpl: snapshotTmpl,
		lifecycle:    deps.Lifecycle,
		monitor:      deps.Monitor,
		git:          deps.Git,
		mux:          deps.Mux,
		dev:          deps.DevServers,
		tasks:        deps.Tasks,
		snapshots:    deps.Snapshots,
		store:        deps.Store,
		bus:          bus,
		logger:       logging.OrNop(deps.Logger).WithComponent("orchestrator"),
		tracer:       otel.Tracer("azedarach/orchestrator"),
		sessions:     make(map[string]*session.Session),
		locks:        make(map[string]*sync.Mutex),
	}
	o.monitor.OnStateChange(o.handleDetected)
	return o, nil
}

// Bus returns the event bus notifications are published on.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// Session returns a copy of the record for taskID. Unknown tasks are
// reported as a fresh Idle record with ok false.
func (o *Orchestrator) Session(taskID string) (*session.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[taskID]
	if !ok {
		return session.New(taskID), false
	}
	return s.Clone(), true
}

// Sessions returns copies of every record sorted by task id.
func (o *Orchestrator) Sessions() []*session.Session {
	o.mu.RLock()
	out := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// State returns the current state of taskID.
func (o *Orchestrator) State(taskID string) session.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.sessions[taskID]; ok {
		return s.State
	}
	return session.StateIdle
}

// Load replaces the in-memory registry with the persisted snapshot. It does
// not touch the multiplexer or start monitors; see Recover.
func (o *Orchestrator) Load() error {
	if o.store == nil {
		return nil
	}
	records, err := o.store.Load()
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.sessions = records
	o.mu.Unlock()
	return nil
}

// Shutdown stops every poller. It writes nothing: each record was persisted
// when it changed, and another process may hold newer copies on disk.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.monitor.StopAll()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lock serializes commands for one task.
func (o *Orchestrator) lock(taskID string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[taskID] = l
	}
	o.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// mutate applies fn to the record for taskID, creating an Idle record when
// missing, and returns the previous state and a copy of the result.
func (o *Orchestrator) mutate(taskID string, fn func(s *session.Session)) (session.State, *session.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[taskID]
	if !ok {
		s = session.New(taskID)
		o.sessions[taskID] = s
	}
	old := s.State
	fn(s)
	s.UpdatedAt = time.Now().UTC()
	return old, s.Clone()
}

// current returns a copy of the record for taskID, or a fresh Idle record.
func (o *Orchestrator) current(taskID string) *session.Session {
	s, _ := o.Session(taskID)
	return s
}

// persist writes the latest in-memory record for taskID. Failures are
// logged; the in-memory state stays authoritative.
func (o *Orchestrator) persist(ctx context.Context, taskID string) {
	if o.store == nil {
		return
	}
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.RLock()
	s, ok := o.sessions[taskID]
	var rec *session.Session
	if ok {
		rec = s.Clone()
	}
	o.mu.RUnlock()

	var err error
	if ok {
		err = o.store.Put(ctx, rec)
	} else {
		err = o.store.Delete(ctx, taskID)
	}
	if err != nil {
		o.logger.WithTask(taskID).Warn("failed to persist session", "error", err)
	}
}

// commit persists taskID and publishes a state change when the state moved.
func (o *Orchestrator) commit(ctx context.Context, old session.State, snap *session.Session, source string) {
	o.persist(ctx, snap.TaskID)
	if old == snap.State {
		return
	}
	o.logger.WithTask(snap.TaskID).Info("state changed",
		"old_state", old.String(), "new_state", snap.State.String(), "source", source)
	o.bus.Publish(event.NewStateChangedEvent(snap.TaskID, snap.RunID, old, snap.State, source))
}

// handleDetected applies a monitor event. It runs on the task's poller
// goroutine and must not stop or start that poller.
func (o *Orchestrator) handleDetected(ev monitor.Event) {
	o.mu.Lock()
	s, ok := o.sessions[ev.TaskID]
	if !ok || !acceptsDetected(s.State, ev.New) {
		from := session.StateIdle
		if ok {
			from = s.State
		}
		o.mu.Unlock()
		o.logger.WithTask(ev.TaskID).Debug("ignoring detected state",
			"state", from.String(), "detected", ev.New.String())
		return
	}
	old := s.State
	s.State = ev.New
	s.UpdatedAt = time.Now().UTC()
	runID := s.RunID
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.persist(ctx, ev.TaskID)

	o.logger.WithTask(ev.TaskID).Info("state changed",
		"old_state", old.String(), "new_state", ev.New.String(),
		"source", event.SourceMonitor, "rule", ev.Result.Rule, "confidence", ev.Result.Confidence)
	e := event.NewStateChangedEvent(ev.TaskID, runID, old, ev.New, event.SourceMonitor)
	e.Rule = ev.Result.Rule
	e.Confidence = ev.Result.Confidence
	o.bus.Publish(e)
}

// renderPrompt builds the initial prompt for taskID, enriched with the
// tracker's title and description when available.
func (o *Orchestrator) renderPrompt(ctx context.Context, taskID string) string {
	data := o.taskData(ctx, taskID)
	var buf bytes.Buffer
	if err := o.promptTmpl.Execute(&buf, data); err != nil {
		o.logger.WithTask(taskID).Warn("failed to render prompt", "error", err)
		return taskID
	}
	return strings.TrimSpace(buf.String())
}

func (o *Orchestrator) taskData(ctx context.Context, taskID string) promptData {
	data := promptData{TaskID: taskID}
	if o.tasks == nil || !o.tasks.Enabled() {
		return data
	}
	task, err := o.tasks.Show(ctx, taskID)
	if err != nil {
		o.logger.WithTask(taskID).Debug("task details unavailable", "error", err)
		return data
	}
	data.Title = task.Title
	data.Description = task.Description
	return data
}

func (o *Orchestrator) snapshotMessage(taskID string) string {
	var buf bytes.Buffer
	if err := o.snapshotTmpl.Execute(&buf, promptData{TaskID: taskID}); err != nil {
		return "wip(" + taskID + "): paused"
	}
	return buf.String()
}

// singleLine joins the non-blank lines of text so it can be typed into a
// running agent without submitting early.
func singleLine(text string) string {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

// Verify the concrete collaborators satisfy the narrow interfaces.
var (
	_ Lifecycle  = (*lifecycle.Manager)(nil)
	_ Monitor    = (*monitor.Monitor)(nil)
	_ GitFlow    = (*gitflow.Coordinator)(nil)
	_ DevServers = (*devserver.Manager)(nil)
	_ Tasks      = (*tracker.Client)(nil)
)
