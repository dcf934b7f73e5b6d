package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/instance/lifecycle"
	"github.com/riordanpawley/azedarach/internal/orchestrator/gitflow"
	"github.com/riordanpawley/azedarach/internal/session"
)

// UpdateFromMain merges the base branch into the task branch. Conflicts are
// handed to the task's agent and reported as a GitConflictError.
func (o *Orchestrator) UpdateFromMain(ctx context.Context, taskID string) error {
	return o.runGit(ctx, CmdUpdate, taskID, func(ctx context.Context, t gitflow.Target) error {
		if err := o.git.UpdateFromMain(ctx, t); err != nil {
			return err
		}
		o.bus.Publish(event.NewMergeCompletedEvent(taskID, string(gitflow.OpUpdate), t.Branch, o.opts.BaseBranch, false))
		return nil
	})
}

// MergeToMain merges the task branch into the base branch after bringing it
// up to date.
func (o *Orchestrator) MergeToMain(ctx context.Context, taskID string) error {
	return o.runGit(ctx, CmdMerge, taskID, func(ctx context.Context, t gitflow.Target) error {
		if err := o.git.MergeToMain(ctx, t); err != nil {
			return err
		}
		o.bus.Publish(event.NewMergeCompletedEvent(taskID, string(gitflow.OpMerge), t.Branch, o.opts.BaseBranch, o.opts.PushAfterMerge))
		o.closeTask(ctx, taskID)
		return nil
	})
}

// closeTask marks a merged task closed in the tracker. Failures are logged;
// the merge already happened.
func (o *Orchestrator) closeTask(ctx context.Context, taskID string) {
	if !o.opts.CloseOnMerge || o.tasks == nil || !o.tasks.Enabled() {
		return
	}
	reason := "merged into " + o.opts.BaseBranch
	if err := o.tasks.Close(ctx, taskID, reason); err != nil {
		o.logger.WithTask(taskID).Warn("failed to close task after merge", "error", err)
	}
}

// CreatePR pushes the task branch and opens a pull request, returning its
// URL.
func (o *Orchestrator) CreatePR(ctx context.Context, taskID string) (string, error) {
	var url string
	err := o.runGit(ctx, CmdPR, taskID, func(ctx context.Context, t gitflow.Target) error {
		var err error
		if url, err = o.git.CreatePR(ctx, t); err != nil {
			return err
		}
		o.bus.Publish(event.NewPRCreatedEvent(taskID, url, o.opts.DraftPR))
		return nil
	})
	return url, err
}

// runGit validates the state, resolves the target and runs fn under the
// task lock. A conflict is published and returned as is; other errors are
// recorded on the session.
func (o *Orchestrator) runGit(ctx context.Context, cmd Command, taskID string, fn func(context.Context, gitflow.Target) error) (err error) {
	unlock := o.lock(taskID)
	defer unlock()
	ctx, span := o.startSpan(ctx, cmd, taskID)
	defer func() { endSpan(span, err) }()

	if o.git == nil {
		return o.fail(ctx, cmd, taskID, fmt.Errorf("git workflows are not configured"))
	}
	sess := o.current(taskID)
	if !Allowed(cmd, sess.State) {
		return o.reject(cmd, taskID, sess.State)
	}

	t, err := o.target(ctx, sess, cmd == CmdPR)
	if err != nil {
		return o.fail(ctx, cmd, taskID, err)
	}

	err = fn(ctx, t)
	var conflict *errors.GitConflictError
	switch {
	case err == nil:
		o.logger.WithTask(taskID).Info("git workflow completed", "command", string(cmd), "branch", t.Branch)
		return nil
	case errors.As(err, &conflict):
		span.SetAttributes(
			attribute.Int("git.conflict_files", len(conflict.Files)),
			attribute.Bool("git.conflict_delegated", conflict.Delegated),
		)
		o.logger.WithTask(taskID).Info("merge conflicts",
			"command", string(cmd), "files", conflict.Files, "delegated", conflict.Delegated)
		o.bus.Publish(event.NewConflictDetectedEvent(taskID, conflict.Op, conflict.Branch, conflict.Base,
			conflict.Files, conflict.Delegated))
		return err
	default:
		return o.fail(ctx, cmd, taskID, err)
	}
}

// target builds the workflow target from the record, falling back to the
// deterministic names when the session holds no resources.
func (o *Orchestrator) target(ctx context.Context, sess *session.Session, withTask bool) (gitflow.Target, error) {
	t := gitflow.Target{
		TaskID: sess.TaskID,
		Path:   sess.WorkspacePath,
		Branch: sess.Branch,
	}
	if t.Path == "" || t.Branch == "" {
		ws, err := o.lifecycle.Resolve(sess.TaskID)
		if err != nil {
			return t, err
		}
		t.Path, t.Branch = ws.Path, ws.Branch
	}
	if withTask {
		data := o.taskData(ctx, sess.TaskID)
		t.Title, t.Description = data.Title, data.Description
	}
	return t, nil
}

// Delegator returns the conflict-resolution delegate for the git workflow
// coordinator. It is only called from within a git command, which already
// holds the task lock.
func (o *Orchestrator) Delegator() gitflow.Delegator {
	return delegator{o: o}
}

type delegator struct {
	o *Orchestrator
}

func (d delegator) Delegate(ctx context.Context, taskID, prompt string) error {
	return d.o.delegateLocked(ctx, taskID, prompt)
}

// delegateLocked hands prompt to the task's agent: an idle task is started
// with it, a paused one is resumed with it and a running one has it typed in.
func (o *Orchestrator) delegateLocked(ctx context.Context, taskID, prompt string) error {
	sess := o.current(taskID)
	logger := o.logger.WithTask(taskID)
	switch sess.State {
	case session.StateIdle:
		logger.Info("starting session to resolve conflicts")
		return o.startLocked(ctx, taskID, prompt)
	case session.StatePaused:
		logger.Info("resuming session to resolve conflicts")
		return o.resumeLocked(ctx, taskID, singleLine(prompt))
	case session.StateInitializing:
		return errors.NewInvalidTransitionError("delegate", taskID, sess.State.String())
	}
	if err := o.mux.SendLine(ctx, sess.TmuxSession, singleLine(prompt)); err != nil {
		return errors.NewResourceError("delegate", taskID, lifecycle.ResourceSession, err)
	}
	logger.Info("conflict prompt sent to running session", "session", sess.TmuxSession)
	return nil
}
