package event

import (
	"time"

	"github.com/riordanpawley/azedarach/internal/session"
)

// Event type names.
const (
	TypeSessionStarted   = "session.started"
	TypeStateChanged     = "session.state_changed"
	TypeSessionStopped   = "session.stopped"
	TypeCommandFailed    = "command.failed"
	TypeConflictDetected = "conflict.detected"
	TypeMergeCompleted   = "merge.completed"
	TypePRCreated        = "pr.created"
	TypeDevServer        = "devserver.changed"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier, "category.action".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// TaskEvent is implemented by events tied to one task.
type TaskEvent interface {
	Event
	Task() string
}

// -----------------------------------------------------------------------------
// Session Lifecycle Events
// -----------------------------------------------------------------------------

// Source values for StateChangedEvent.
const (
	SourceCommand = "command"
	SourceMonitor = "monitor"
	SourceRecover = "recover"
)

// StateChangedEvent is the (task, previous, new) notification of the event
// stream.
type StateChangedEvent struct {
	baseEvent
	TaskID string
	RunID  string
	Old    session.State
	New    session.State
	// Source is what drove the transition.
	Source string
	// Rule and Confidence are set for monitor-driven transitions.
	Rule       string
	Confidence float64
}

// NewStateChangedEvent creates a StateChangedEvent.
func NewStateChangedEvent(taskID, runID string, oldState, newState session.State, source string) StateChangedEvent {
	return StateChangedEvent{
		baseEvent: newBaseEvent(TypeStateChanged),
		TaskID:    taskID,
		RunID:     runID,
		Old:       oldState,
		New:       newState,
		Source:    source,
	}
}

// Task returns the task id.
func (e StateChangedEvent) Task() string { return e.TaskID }

// SessionStartedEvent is emitted when Start finishes creating resources.
type SessionStartedEvent struct {
	baseEvent
	TaskID        string
	RunID         string
	WorkspacePath string
	Branch        string
	Session       string
	Reused        bool
}

// NewSessionStartedEvent creates a SessionStartedEvent.
func NewSessionStartedEvent(taskID, runID, workspacePath, branch, sess string, reused bool) SessionStartedEvent {
	return SessionStartedEvent{
		baseEvent:     newBaseEvent(TypeSessionStarted),
		TaskID:        taskID,
		RunID:         runID,
		WorkspacePath: workspacePath,
		Branch:        branch,
		Session:       sess,
		Reused:        reused,
	}
}

// Task returns the task id.
func (e SessionStartedEvent) Task() string { return e.TaskID }

// SessionStoppedEvent is emitted by Stop and Cleanup.
type SessionStoppedEvent struct {
	baseEvent
	TaskID  string
	Cleanup bool
}

// NewSessionStoppedEvent creates a SessionStoppedEvent.
func NewSessionStoppedEvent(taskID string, cleanup bool) SessionStoppedEvent {
	return SessionStoppedEvent{
		baseEvent: newBaseEvent(TypeSessionStopped),
		TaskID:    taskID,
		Cleanup:   cleanup,
	}
}

// Task returns the task id.
func (e SessionStoppedEvent) Task() string { return e.TaskID }

// CommandFailedEvent carries a short user-facing failure for one task.
type CommandFailedEvent struct {
	baseEvent
	TaskID  string
	Command string
	Message string
	Err     error
}

// NewCommandFailedEvent creates a CommandFailedEvent.
func NewCommandFailedEvent(taskID, command, message string, err error) CommandFailedEvent {
	return CommandFailedEvent{
		baseEvent: newBaseEvent(TypeCommandFailed),
		TaskID:    taskID,
		Command:   command,
		Message:   message,
		Err:       err,
	}
}

// Task returns the task id.
func (e CommandFailedEvent) Task() string { return e.TaskID }

// -----------------------------------------------------------------------------
// Git Workflow Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted when a merge stops on conflicts.
type ConflictDetectedEvent struct {
	baseEvent
	TaskID        string
	Op            string
	Branch        string
	Base          string
	ConflictFiles []string
	// Delegated is true when an agent was asked to resolve the conflicts.
	Delegated bool
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(taskID, op, branch, base string, files []string, delegated bool) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent:     newBaseEvent(TypeConflictDetected),
		TaskID:        taskID,
		Op:            op,
		Branch:        branch,
		Base:          base,
		ConflictFiles: append([]string(nil), files...),
		Delegated:     delegated,
	}
}

// Task returns the task id.
func (e ConflictDetectedEvent) Task() string { return e.TaskID }

// MergeCompletedEvent is emitted after a clean UpdateFromMain or MergeToMain.
type MergeCompletedEvent struct {
	baseEvent
	TaskID string
	Op     string
	Branch string
	Base   string
	Pushed bool
}

// NewMergeCompletedEvent creates a MergeCompletedEvent.
func NewMergeCompletedEvent(taskID, op, branch, base string, pushed bool) MergeCompletedEvent {
	return MergeCompletedEvent{
		baseEvent: newBaseEvent(TypeMergeCompleted),
		TaskID:    taskID,
		Op:        op,
		Branch:    branch,
		Base:      base,
		Pushed:    pushed,
	}
}

// Task returns the task id.
func (e MergeCompletedEvent) Task() string { return e.TaskID }

// PRCreatedEvent is emitted when CreatePR succeeds.
type PRCreatedEvent struct {
	baseEvent
	TaskID string
	URL    string
	Draft  bool
}

// NewPRCreatedEvent creates a PRCreatedEvent.
func NewPRCreatedEvent(taskID, url string, draft bool) PRCreatedEvent {
	return PRCreatedEvent{
		baseEvent: newBaseEvent(TypePRCreated),
		TaskID:    taskID,
		URL:       url,
		Draft:     draft,
	}
}

// Task returns the task id.
func (e PRCreatedEvent) Task() string { return e.TaskID }

// -----------------------------------------------------------------------------
// Dev Server Events
// -----------------------------------------------------------------------------

// DevServerEvent is emitted when a dev server starts or stops.
type DevServerEvent struct {
	baseEvent
	TaskID  string
	Port    int
	Running bool
}

// NewDevServerEvent creates a DevServerEvent.
func NewDevServerEvent(taskID string, port int, running bool) DevServerEvent {
	return DevServerEvent{
		baseEvent: newBaseEvent(TypeDevServer),
		TaskID:    taskID,
		Port:      port,
		Running:   running,
	}
}

// Task returns the task id.
func (e DevServerEvent) Task() string { return e.TaskID }
