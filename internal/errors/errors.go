// Package errors defines the typed failure conditions surfaced by the session
// orchestration engine, along with classification helpers used by the CLI
// layer to turn them into short actionable messages.
//
// # Error Types
//
// Every condition carries the operation name and the task it applies to:
//   - ResourceError: workspace or multiplexer create/delete failure
//   - CaptureError: transient pane-capture failure (never changes state)
//   - GitConflictError: merge produced conflicts; resolution was delegated
//   - OfflineError: a network-touching step was skipped
//   - PortExhaustionError: no free dev-server port in the scan window
//   - InvalidTransitionError: command rejected for the current state
//
// # Usage
//
//	err := errors.NewResourceError("create", "az-123", "session", cause)
//
//	var conflict *errors.GitConflictError
//	if errors.As(err, &conflict) {
//	    fmt.Println(conflict.Files)
//	}
//
//	if errors.Is(err, errors.ErrOffline) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for expected, transient failures.
	SeverityDebug Severity = iota
	// SeverityInfo is for alternate outcomes that are not failures.
	SeverityInfo
	// SeverityWarning is for rejected or skipped actions.
	SeverityWarning
	// SeverityError is for real failures the user must act on.
	SeverityError
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that no session exists for a task.
	ErrSessionNotFound = New("session not found")
	// ErrInvalidTransition indicates a command incompatible with the current state.
	ErrInvalidTransition = New("invalid state transition")
)

// Git-related sentinel errors
var (
	// ErrUnresolvedConflicts indicates the workspace still has conflicted paths.
	ErrUnresolvedConflicts = New("unresolved merge conflicts")
	// ErrMergeConflict indicates that a merge produced conflicts.
	ErrMergeConflict = New("merge conflict")
	// ErrNotOnBaseBranch indicates the main checkout is not on the base branch.
	ErrNotOnBaseBranch = New("repository is not on the base branch")
)

// Resource-related sentinel errors
var (
	// ErrPortsExhausted indicates that no port in the scan window was free.
	ErrPortsExhausted = New("no free port available")
	// ErrOffline indicates that the network is unavailable.
	ErrOffline = New("network unavailable")
	// ErrCaptureFailed indicates that pane output could not be captured.
	ErrCaptureFailed = New("capture failed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// EngineError is implemented by every typed condition in this package.
type EngineError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the message is safe to display to users.
	IsUserFacing() bool

	// Task returns the task identifier the error is tied to.
	Task() string
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	Op         string
	TaskID     string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// Task returns the task identifier.
func (e *baseError) Task() string {
	return e.TaskID
}

// format renders "<kind> error [op=..., task=..., extra...]: msg: cause".
func (e *baseError) format(kind, msg string, extra ...string) string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	parts = append(parts, extra...)

	prefix := kind + " error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s error [%s]", kind, strings.Join(parts, ", "))
	}
	if msg != "" {
		prefix = prefix + ": " + msg
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return prefix
}

// -----------------------------------------------------------------------------
// Typed Conditions
// -----------------------------------------------------------------------------

// ResourceError reports a failure to create or delete a workspace or its
// multiplexer session. Partial is set when a rollback also failed and the
// caller should retry cleanup.
//
// Example:
//
//	err := errors.NewResourceError("create", "az-1", "session", cause)
//	fmt.Println(err) // "resource error [op=create, task=az-1, resource=session]: cause"
type ResourceError struct {
	baseError
	Resource string
	Path     string
	Partial  bool
}

// NewResourceError creates a new ResourceError.
func NewResourceError(op, taskID, resource string, cause error) *ResourceError {
	return &ResourceError{
		baseError: baseError{
			Op:         op,
			TaskID:     taskID,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Resource: resource,
	}
}

// WithPath adds the workspace path to the error context.
func (e *ResourceError) WithPath(path string) *ResourceError {
	e.Path = path
	return e
}

// WithPartial marks the error as leaving resources behind.
func (e *ResourceError) WithPartial(partial bool) *ResourceError {
	e.Partial = partial
	return e
}

// Error returns the formatted error message.
func (e *ResourceError) Error() string {
	var extra []string
	if e.Resource != "" {
		extra = append(extra, "resource="+e.Resource)
	}
	if e.Path != "" {
		extra = append(extra, "path="+e.Path)
	}
	if e.Partial {
		extra = append(extra, "partial=true")
	}
	return e.format("resource", "", extra...)
}

// CaptureError reports a transient failure to capture pane output. It is
// logged by the monitor and never alters session state.
type CaptureError struct {
	baseError
	Target string
}

// NewCaptureError creates a new CaptureError.
func NewCaptureError(taskID, target string, cause error) *CaptureError {
	return &CaptureError{
		baseError: baseError{
			Op:        "capture",
			TaskID:    taskID,
			cause:     cause,
			severity:  SeverityDebug,
			retryable: true,
		},
		Target: target,
	}
}

// Error returns the formatted error message.
func (e *CaptureError) Error() string {
	var extra []string
	if e.Target != "" {
		extra = append(extra, "target="+e.Target)
	}
	return e.format("capture", "", extra...)
}

// Is matches ErrCaptureFailed.
func (e *CaptureError) Is(target error) bool {
	return target == ErrCaptureFailed
}

// GitConflictError reports that a merge produced conflicts. It is an expected
// outcome: when Delegated is true an agent session has been asked to resolve
// Files and the caller may retry later.
type GitConflictError struct {
	baseError
	Files     []string
	Branch    string
	Base      string
	Delegated bool
}

// NewGitConflictError creates a new GitConflictError.
func NewGitConflictError(op, taskID string, files []string) *GitConflictError {
	return &GitConflictError{
		baseError: baseError{
			Op:         op,
			TaskID:     taskID,
			severity:   SeverityInfo,
			retryable:  true,
			userFacing: true,
		},
		Files: append([]string(nil), files...),
	}
}

// WithBranches records the task branch and the base it was merged against.
func (e *GitConflictError) WithBranches(branch, base string) *GitConflictError {
	e.Branch = branch
	e.Base = base
	return e
}

// WithDelegated marks whether resolution was handed to an agent session.
func (e *GitConflictError) WithDelegated(delegated bool) *GitConflictError {
	e.Delegated = delegated
	return e
}

// WithCause adds a cause to the error.
func (e *GitConflictError) WithCause(cause error) *GitConflictError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *GitConflictError) Error() string {
	extra := []string{fmt.Sprintf("files=%d", len(e.Files))}
	if e.Delegated {
		extra = append(extra, "delegated=true")
	}
	return e.format("git conflict", strings.Join(e.Files, ", "), extra...)
}

// Is matches ErrMergeConflict.
func (e *GitConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// OfflineError reports that a network-touching step was skipped.
type OfflineError struct {
	baseError
	Step string
}

// NewOfflineError creates a new OfflineError.
func NewOfflineError(op, taskID, step string) *OfflineError {
	return &OfflineError{
		baseError: baseError{
			Op:         op,
			TaskID:     taskID,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Step: step,
	}
}

// Error returns the formatted error message.
func (e *OfflineError) Error() string {
	var extra []string
	if e.Step != "" {
		extra = append(extra, "step="+e.Step)
	}
	return e.format("offline", "network unavailable", extra...)
}

// Is matches ErrOffline.
func (e *OfflineError) Is(target error) bool {
	return target == ErrOffline
}

// PortExhaustionError reports that every port in the scan window was taken.
// It fails only the dev-server start, never the owning session.
type PortExhaustionError struct {
	baseError
	BasePort int
	Window   int
}

// NewPortExhaustionError creates a new PortExhaustionError.
func NewPortExhaustionError(taskID string, basePort, window int) *PortExhaustionError {
	return &PortExhaustionError{
		baseError: baseError{
			Op:         "allocate",
			TaskID:     taskID,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		BasePort: basePort,
		Window:   window,
	}
}

// Error returns the formatted error message.
func (e *PortExhaustionError) Error() string {
	return e.format("port", fmt.Sprintf("no free port in %d-%d", e.BasePort, e.BasePort+e.Window-1))
}

// Is matches ErrPortsExhausted.
func (e *PortExhaustionError) Is(target error) bool {
	return target == ErrPortsExhausted
}

// InvalidTransitionError reports a command rejected for the session's
// current state. No state was mutated.
type InvalidTransitionError struct {
	baseError
	From string
}

// NewInvalidTransitionError creates a new InvalidTransitionError.
func NewInvalidTransitionError(command, taskID, from string) *InvalidTransitionError {
	return &InvalidTransitionError{
		baseError: baseError{
			Op:         command,
			TaskID:     taskID,
			severity:   SeverityWarning,
			userFacing: true,
		},
		From: from,
	}
}

// Error returns the formatted error message.
func (e *InvalidTransitionError) Error() string {
	return e.format("transition", fmt.Sprintf("cannot %s while %s", e.Op, e.From))
}

// Is matches ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement EngineError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.Severity()
	}
	return SeverityError
}

// UserMessage renders a short actionable message for the UI layer.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		conflict   *GitConflictError
		offline    *OfflineError
		ports      *PortExhaustionError
		transition *InvalidTransitionError
		resource   *ResourceError
	)
	switch {
	case As(err, &conflict):
		msg := fmt.Sprintf("%s: %d conflicting file(s): %s", conflict.TaskID, len(conflict.Files), strings.Join(conflict.Files, ", "))
		if conflict.Delegated {
			return msg + " (agent resolving; retry when done)"
		}
		return msg
	case As(err, &offline):
		return fmt.Sprintf("%s: %s skipped, network unavailable", offline.TaskID, offline.Op)
	case As(err, &ports):
		return fmt.Sprintf("%s: no free dev-server port from %d", ports.TaskID, ports.BasePort)
	case As(err, &transition):
		return fmt.Sprintf("%s: cannot %s while %s", transition.TaskID, transition.Op, transition.From)
	case As(err, &resource):
		msg := fmt.Sprintf("%s: %s %s failed: %v", resource.TaskID, resource.Op, resource.Resource, resource.cause)
		if resource.Partial {
			return msg + " (run cleanup)"
		}
		return msg
	}
	return err.Error()
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Verify typed conditions implement EngineError at compile time.
var (
	_ EngineError = (*ResourceError)(nil)
	_ EngineError = (*CaptureError)(nil)
	_ EngineError = (*GitConflictError)(nil)
	_ EngineError = (*OfflineError)(nil)
	_ EngineError = (*PortExhaustionError)(nil)
	_ EngineError = (*InvalidTransitionError)(nil)
)
