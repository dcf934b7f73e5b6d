package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/instance/lifecycle"
	"github.com/riordanpawley/azedarach/internal/session"
	"github.com/riordanpawley/azedarach/internal/tracker"
)

// Start creates the task's workspace and session, launches the agent with
// the task prompt and begins monitoring. Concurrent Starts for one task
// share a single execution and result.
func (o *Orchestrator) Start(ctx context.Context, taskID string) error {
	return o.StartWithPrompt(ctx, taskID, "")
}

// StartWithPrompt is Start with an explicit prompt. An empty prompt renders
// the configured template from the tracker task. Only calls with the same
// prompt share an execution; a different prompt waits its turn and is
// rejected if the task has started meanwhile.
func (o *Orchestrator) StartWithPrompt(ctx context.Context, taskID, prompt string) error {
	_, err, _ := o.starts.Do(taskID+"\x00"+prompt, func() (any, error) {
		unlock := o.lock(taskID)
		defer unlock()
		return nil, o.startLocked(ctx, taskID, prompt)
	})
	return err
}

func (o *Orchestrator) startLocked(ctx context.Context, taskID, prompt string) (err error) {
	ctx, span := o.startSpan(ctx, CmdStart, taskID)
	defer func() { endSpan(span, err) }()

	from := o.State(taskID)
	if !Allowed(CmdStart, from) {
		return o.reject(CmdStart, taskID, from)
	}
	logger := o.logger.WithTask(taskID)

	old, snap := o.mutate(taskID, func(s *session.Session) {
		s.State = session.StateInitializing
		s.LastError = ""
	})
	o.commit(ctx, old, snap, event.SourceCommand)

	ws, err := o.lifecycle.Create(ctx, taskID, o.opts.BaseBranch)
	if err != nil {
		return o.abortStart(ctx, CmdStart, taskID, err)
	}

	switch {
	case ws.CreatedSession:
		if prompt == "" {
			prompt = o.renderPrompt(ctx, taskID)
		}
		err = o.lifecycle.Launch(ctx, ws, prompt)
	case prompt != "":
		err = o.mux.SendLine(ctx, ws.Session, singleLine(prompt))
		if err != nil {
			err = errors.NewResourceError("launch", taskID, lifecycle.ResourceSession, err)
		}
	default:
		logger.Info("reusing running session", "session", ws.Session)
	}
	if err != nil {
		switch {
		case ws.CreatedWorkspace:
			if derr := o.lifecycle.Delete(ctx, taskID); derr != nil {
				logger.Warn("failed to remove resources after launch failure", "error", derr)
			}
		case ws.CreatedSession:
			if serr := o.lifecycle.StopSession(ctx, taskID); serr != nil {
				logger.Warn("failed to stop session after launch failure", "error", serr)
			}
		}
		return o.abortStart(ctx, CmdStart, taskID, err)
	}

	now := time.Now().UTC()
	runID := uuid.NewString()
	old, snap = o.mutate(taskID, func(s *session.Session) {
		s.State = session.StateBusy
		s.WorkspacePath = ws.Path
		s.TmuxSession = ws.Session
		s.Branch = ws.Branch
		s.StartedAt = &now
		s.RunID = runID
	})
	o.commit(ctx, old, snap, event.SourceCommand)
	o.bus.Publish(event.NewSessionStartedEvent(taskID, runID, ws.Path, ws.Branch, ws.Session, ws.Reused()))
	span.SetAttributes(attribute.String("run.id", runID), attribute.Bool("session.reused", ws.Reused()))

	o.monitor.StartFrom(taskID, session.StateBusy)
	o.markInProgress(ctx, taskID)
	return nil
}

// abortStart returns a failed Start to Idle with the error recorded.
func (o *Orchestrator) abortStart(ctx context.Context, cmd Command, taskID string, cause error) error {
	old, snap := o.mutate(taskID, func(s *session.Session) {
		s.State = session.StateIdle
		s.ClearResources()
		s.LastError = errors.UserMessage(cause)
	})
	o.commit(ctx, old, snap, event.SourceCommand)
	o.logger.WithTask(taskID).Warn("start failed", "error", cause)
	o.bus.Publish(event.NewCommandFailedEvent(taskID, string(cmd), errors.UserMessage(cause), cause))
	return cause
}

func (o *Orchestrator) markInProgress(ctx context.Context, taskID string) {
	if o.tasks == nil || !o.tasks.Enabled() {
		return
	}
	if err := o.tasks.UpdateStatus(ctx, taskID, tracker.StatusInProgress); err != nil {
		o.logger.WithTask(taskID).Warn("failed to mark task in progress", "error", err)
	}
}

// Pause interrupts a busy or waiting agent, optionally committing its work
// first, and stops monitoring the session.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) (err error) {
	unlock := o.lock(taskID)
	defer unlock()
	ctx, span := o.startSpan(ctx, CmdPause, taskID)
	defer func() { endSpan(span, err) }()

	sess := o.current(taskID)
	if !Allowed(CmdPause, sess.State) {
		return o.reject(CmdPause, taskID, sess.State)
	}

	// The poller may have applied one last detection before it stopped.
	o.monitor.Stop(taskID)
	sess = o.current(taskID)
	if !Allowed(CmdPause, sess.State) {
		o.monitor.StartFrom(taskID, sess.State)
		return o.reject(CmdPause, taskID, sess.State)
	}

	if o.opts.PauseSnapshot && o.snapshots != nil && sess.WorkspacePath != "" {
		if err := o.snapshot(ctx, sess); err != nil {
			o.monitor.StartFrom(taskID, sess.State)
			return o.fail(ctx, CmdPause, taskID, err)
		}
	}

	if err := o.mux.SendInterrupt(ctx, sess.TmuxSession); err != nil {
		o.monitor.StartFrom(taskID, o.State(taskID))
		return o.fail(ctx, CmdPause, taskID,
			errors.NewResourceError(string(CmdPause), taskID, lifecycle.ResourceSession, err))
	}

	old, snap := o.mutate(taskID, func(s *session.Session) {
		s.State = session.StatePaused
		s.LastError = ""
	})
	o.commit(ctx, old, snap, event.SourceCommand)
	return nil
}

func (o *Orchestrator) snapshot(ctx context.Context, sess *session.Session) error {
	dirty, err := o.snapshots.HasUncommittedChanges(ctx, sess.WorkspacePath)
	if err != nil {
		return fmt.Errorf("failed to check workspace status: %w", err)
	}
	if !dirty {
		return nil
	}
	if err := o.snapshots.CommitAll(ctx, sess.WorkspacePath, o.snapshotMessage(sess.TaskID)); err != nil {
		return fmt.Errorf("failed to snapshot work: %w", err)
	}
	o.logger.WithTask(sess.TaskID).Info("work snapshotted before pause", "path", sess.WorkspacePath)
	return nil
}

// Resume sends the resume message to a paused agent and restarts monitoring.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) error {
	unlock := o.lock(taskID)
	defer unlock()
	return o.resumeLocked(ctx, taskID, o.opts.ResumeMessage)
}

func (o *Orchestrator) resumeLocked(ctx context.Context, taskID, message string) (err error) {
	ctx, span := o.startSpan(ctx, CmdResume, taskID)
	defer func() { endSpan(span, err) }()

	sess := o.current(taskID)
	if !Allowed(CmdResume, sess.State) {
		return o.reject(CmdResume, taskID, sess.State)
	}
	if message != "" {
		if err := o.mux.SendLine(ctx, sess.TmuxSession, message); err != nil {
			return o.fail(ctx, CmdResume, taskID,
				errors.NewResourceError(string(CmdResume), taskID, lifecycle.ResourceSession, err))
		}
	}

	old, snap := o.mutate(taskID, func(s *session.Session) {
		s.State = session.StateBusy
		s.LastError = ""
	})
	o.commit(ctx, old, snap, event.SourceCommand)
	o.monitor.StartFrom(taskID, session.StateBusy)
	return nil
}

// Stop kills the task's multiplexer session and stops monitoring. The
// workspace is kept so a later Start resumes work on the same branch.
func (o *Orchestrator) Stop(ctx context.Context, taskID string) (err error) {
	unlock := o.lock(taskID)
	defer unlock()
	ctx, span := o.startSpan(ctx, CmdStop, taskID)
	defer func() { endSpan(span, err) }()

	sess := o.current(taskID)
	if !Allowed(CmdStop, sess.State) {
		return o.reject(CmdStop, taskID, sess.State)
	}

	o.monitor.Stop(taskID)
	if err := o.lifecycle.StopSession(ctx, taskID); err != nil {
		if st := o.State(taskID); st.IsMonitored() {
			o.monitor.StartFrom(taskID, st)
		}
		return o.fail(ctx, CmdStop, taskID, err)
	}
	if o.dev != nil {
		o.dev.Release(taskID)
	}

	old, snap := o.mutate(taskID, func(s *session.Session) {
		s.State = session.StateIdle
		s.ClearResources()
		s.LastError = ""
	})
	o.commit(ctx, old, snap, event.SourceCommand)
	o.bus.Publish(event.NewSessionStoppedEvent(taskID, false))
	return nil
}

// Cleanup stops monitoring, deletes the workspace and session, releases the
// dev-server port and forgets the record. It is accepted in every state and
// may be retried after a partial failure.
func (o *Orchestrator) Cleanup(ctx context.Context, taskID string) (err error) {
	unlock := o.lock(taskID)
	defer unlock()
	ctx, span := o.startSpan(ctx, CmdCleanup, taskID)
	defer func() { endSpan(span, err) }()

	o.monitor.Stop(taskID)
	if err := o.lifecycle.Delete(ctx, taskID); err != nil {
		if st := o.State(taskID); st.IsMonitored() {
			o.monitor.StartFrom(taskID, st)
		}
		return o.fail(ctx, CmdCleanup, taskID, err)
	}
	if o.dev != nil {
		o.dev.Release(taskID)
	}

	o.mu.Lock()
	prev, existed := o.sessions[taskID]
	delete(o.sessions, taskID)
	o.mu.Unlock()
	o.persist(ctx, taskID)

	if existed && prev.State != session.StateIdle {
		o.bus.Publish(event.NewStateChangedEvent(taskID, prev.RunID, prev.State, session.StateIdle, event.SourceCommand))
	}
	o.bus.Publish(event.NewSessionStoppedEvent(taskID, true))
	o.logger.WithTask(taskID).Info("session cleaned up")
	return nil
}

// ToggleDevServer starts the task's dev server when stopped and stops it
// when running. Port exhaustion fails only the toggle.
func (o *Orchestrator) ToggleDevServer(ctx context.Context, taskID string) (ds *session.DevServer, err error) {
	unlock := o.lock(taskID)
	defer unlock()
	ctx, span := o.startSpan(ctx, CmdDevServer, taskID)
	defer func() { endSpan(span, err) }()

	sess := o.current(taskID)
	if !Allowed(CmdDevServer, sess.State) {
		return nil, o.reject(CmdDevServer, taskID, sess.State)
	}
	if o.dev == nil {
		return nil, o.fail(ctx, CmdDevServer, taskID, fmt.Errorf("dev servers are not configured"))
	}

	next, err := o.dev.Toggle(ctx, taskID, sess.TmuxSession, sess.WorkspacePath, sess.DevServer)
	if err != nil {
		return nil, o.fail(ctx, CmdDevServer, taskID, err)
	}

	_, snap := o.mutate(taskID, func(s *session.Session) {
		s.DevServer = next
		s.LastError = ""
	})
	o.persist(ctx, taskID)
	o.bus.Publish(event.NewDevServerEvent(taskID, next.Port, next.Running))
	span.SetAttributes(attribute.Int("devserver.port", next.Port), attribute.Bool("devserver.running", next.Running))
	return snap.DevServer, nil
}

// reject reports a command incompatible with the current state. Nothing is
// mutated or persisted.
func (o *Orchestrator) reject(cmd Command, taskID string, from session.State) error {
	o.logger.WithTask(taskID).Debug("command rejected", "command", string(cmd), "state", from.String())
	return errors.NewInvalidTransitionError(string(cmd), taskID, from.String())
}

// fail records cause on the session without changing its state and
// publishes a CommandFailedEvent.
func (o *Orchestrator) fail(ctx context.Context, cmd Command, taskID string, cause error) error {
	msg := errors.UserMessage(cause)
	o.mu.Lock()
	s, ok := o.sessions[taskID]
	if ok {
		s.LastError = msg
		s.UpdatedAt = time.Now().UTC()
	}
	o.mu.Unlock()
	if ok {
		o.persist(ctx, taskID)
	}
	o.logger.WithTask(taskID).Warn("command failed", "command", string(cmd), "error", cause)
	o.bus.Publish(event.NewCommandFailedEvent(taskID, string(cmd), msg, cause))
	return cause
}

func (o *Orchestrator) startSpan(ctx context.Context, cmd Command, taskID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "orchestrator."+string(cmd),
		trace.WithAttributes(attribute.String("task.id", taskID)))
}

// endSpan closes span, marking it failed unless err is nil or an expected
// conflict outcome.
func endSpan(span trace.Span, err error) {
	defer span.End()
	if err == nil || errors.Is(err, errors.ErrMergeConflict) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
