// Package gitflow coordinates the version-control workflows of a task
// workspace: updating from the base branch, merging back into it and opening
// a pull request. Merges are preceded by a dry-run conflict check; conflicts
// are handed to an agent session instead of failing the operation.
package gitflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/riordanpawley/azedarach/internal/command"
	"github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/pr"
	"github.com/riordanpawley/azedarach/internal/worktree"
)

// Op names a git workflow operation.
type Op string

// Operations, also used as the Op of returned errors.
const (
	OpUpdate Op = "update"
	OpMerge  Op = "merge"
	OpPR     Op = "pr"
)

// DefaultRemote is pushed to and fetched from when Config.Remote is empty.
const DefaultRemote = "origin"

// Git is the subset of worktree.Manager used by the Coordinator.
type Git interface {
	worktree.MergeOperations
	worktree.SyncOperations
	CurrentBranch(ctx context.Context, dir string) (string, error)
	RepoDir() string
}

// Network reports whether network-touching steps may run.
type Network interface {
	Online(ctx context.Context) bool
}

// Delegator hands a conflict-resolution prompt to the agent session of a
// task, creating or resuming the session when needed.
type Delegator interface {
	Delegate(ctx context.Context, taskID, prompt string) error
}

// PRConfig controls CreatePR.
type PRConfig struct {
	Draft           bool
	Reviewers       []string
	ReviewersByPath map[string][]string
	Labels          []string
	TitleTemplate   string
	BodyTemplate    string
}

// Config controls the Coordinator.
type Config struct {
	BaseBranch string
	Remote     string
	// Fetch fetches the base branch before update and merge and merges the
	// remote-tracking ref instead of the local branch.
	Fetch bool
	// PushAfterMerge pushes the base branch after a clean MergeToMain.
	PushAfterMerge bool
	// AutoCommit commits pending workspace changes before merging.
	AutoCommit bool
	PR         PRConfig
}

// Target identifies the workspace an operation runs against.
type Target struct {
	TaskID string
	Path   string
	Branch string
	// Title and Description feed PR templates.
	Title       string
	Description string
}

// Coordinator runs git workflows. It holds no per-task state and is safe for
// concurrent use on different tasks.
type Coordinator struct {
	cfg       Config
	git       Git
	network   Network
	delegator Delegator
	runner    command.Runner
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewCoordinator creates a Coordinator. runner executes the PR CLI.
func NewCoordinator(cfg Config, git Git, network Network, delegator Delegator, runner command.Runner, logger *logging.Logger) *Coordinator {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Remote == "" {
		cfg.Remote = DefaultRemote
	}
	if cfg.PR.TitleTemplate == "" {
		cfg.PR.TitleTemplate = pr.DefaultTitleTemplate
	}
	if cfg.PR.BodyTemplate == "" {
		cfg.PR.BodyTemplate = pr.DefaultBodyTemplate
	}
	return &Coordinator{
		cfg:       cfg,
		git:       git,
		network:   network,
		delegator: delegator,
		runner:    runner,
		logger:    logging.OrNop(logger).WithComponent("gitflow"),
		tracer:    otel.Tracer("azedarach/gitflow"),
	}
}

// SetDelegator replaces the conflict delegator. It must be called before any
// operation runs.
func (c *Coordinator) SetDelegator(d Delegator) {
	c.delegator = d
}

// BaseBranch returns the configured base branch.
func (c *Coordinator) BaseBranch() string {
	return c.cfg.BaseBranch
}

// UpdateFromMain merges the base branch into the task workspace. Conflicts
// are left in the workspace, delegated to the agent and reported as a
// *errors.GitConflictError.
func (c *Coordinator) UpdateFromMain(ctx context.Context, t Target) (err error) {
	ctx, span := c.start(ctx, OpUpdate, t)
	defer func() { c.finish(span, err) }()

	if c.cfg.Fetch && !c.network.Online(ctx) {
		return errors.NewOfflineError(string(OpUpdate), t.TaskID, "fetch")
	}
	return c.update(ctx, OpUpdate, t)
}

// MergeToMain merges the task branch into the base branch checked out in the
// main repository. The merge is first rehearsed in the workspace; conflicts
// are surfaced there and delegated, never in the main checkout.
func (c *Coordinator) MergeToMain(ctx context.Context, t Target) (err error) {
	ctx, span := c.start(ctx, OpMerge, t)
	defer func() { c.finish(span, err) }()

	if c.cfg.Fetch && !c.network.Online(ctx) {
		return errors.NewOfflineError(string(OpMerge), t.TaskID, "fetch")
	}
	if c.cfg.PushAfterMerge && !c.network.Online(ctx) {
		return errors.NewOfflineError(string(OpMerge), t.TaskID, "push")
	}

	root := c.git.RepoDir()
	current, err := c.git.CurrentBranch(ctx, root)
	if err != nil {
		return fmt.Errorf("%s: merge: %w", t.TaskID, err)
	}
	if current != c.cfg.BaseBranch {
		return fmt.Errorf("%s: merge: main checkout is on %q, want %q: %w", t.TaskID, current, c.cfg.BaseBranch, errors.ErrNotOnBaseBranch)
	}

	if err := c.update(ctx, OpMerge, t); err != nil {
		return err
	}

	files, err := c.git.Merge(ctx, root, t.Branch, fmt.Sprintf("Merge %s (%s)", t.Branch, t.TaskID))
	if err != nil {
		return fmt.Errorf("%s: merge %s into %s: %w", t.TaskID, t.Branch, c.cfg.BaseBranch, err)
	}
	if len(files) > 0 {
		// The workspace already contains the base branch, so this only
		// happens if the base moved underneath us. Leave the main checkout
		// clean.
		if abortErr := c.git.MergeAbort(ctx, root); abortErr != nil {
			c.logger.Warn("failed to abort merge in main checkout", "task_id", t.TaskID, "error", abortErr)
		}
		return errors.NewGitConflictError(string(OpMerge), t.TaskID, files).WithBranches(t.Branch, c.cfg.BaseBranch)
	}

	if c.cfg.PushAfterMerge {
		if err := c.git.PushBranch(ctx, root, c.cfg.Remote, c.cfg.BaseBranch); err != nil {
			return fmt.Errorf("%s: merge: %w", t.TaskID, err)
		}
	}
	c.logger.Info("merged task branch", "task_id", t.TaskID, "branch", t.Branch, "base", c.cfg.BaseBranch, "pushed", c.cfg.PushAfterMerge)
	return nil
}

// CreatePR syncs the workspace with the base branch, pushes it and opens a
// pull request, returning its URL. It refuses to run while conflicts are
// unresolved.
func (c *Coordinator) CreatePR(ctx context.Context, t Target) (url string, err error) {
	ctx, span := c.start(ctx, OpPR, t)
	defer func() { c.finish(span, err) }()

	if !c.network.Online(ctx) {
		return "", errors.NewOfflineError(string(OpPR), t.TaskID, "push")
	}
	if err := c.checkResolved(ctx, t); err != nil {
		return "", err
	}
	if err := c.update(ctx, OpPR, t); err != nil {
		return "", err
	}
	if err := c.git.PushHead(ctx, t.Path, c.cfg.Remote); err != nil {
		return "", fmt.Errorf("%s: pr: %w", t.TaskID, err)
	}

	opts, err := c.prOptions(ctx, t)
	if err != nil {
		return "", err
	}
	url, err = pr.Create(ctx, c.runner, t.Path, opts)
	if err != nil {
		return "", fmt.Errorf("%s: pr: %w", t.TaskID, err)
	}
	span.SetAttributes(attribute.String("pr.url", url))
	c.logger.Info("created pull request", "task_id", t.TaskID, "url", url, "draft", opts.Draft)
	return url, nil
}

// update merges the base into the workspace after a dry-run check.
func (c *Coordinator) update(ctx context.Context, op Op, t Target) error {
	if err := c.checkResolved(ctx, t); err != nil {
		return err
	}
	if c.cfg.AutoCommit {
		dirty, err := c.git.HasUncommittedChanges(ctx, t.Path)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", t.TaskID, op, err)
		}
		if dirty {
			if err := c.git.CommitAll(ctx, t.Path, fmt.Sprintf("wip(%s): save work before %s", t.TaskID, op)); err != nil {
				return fmt.Errorf("%s: %s: %w", t.TaskID, op, err)
			}
		}
	}

	ref := c.cfg.BaseBranch
	if c.cfg.Fetch {
		if err := c.git.Fetch(ctx, t.Path, c.cfg.Remote, c.cfg.BaseBranch); err != nil {
			return fmt.Errorf("%s: %s: %w", t.TaskID, op, err)
		}
		ref = c.cfg.Remote + "/" + c.cfg.BaseBranch
	}

	files, err := c.git.MergeTreeConflicts(ctx, t.Path, ref)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", t.TaskID, op, err)
	}

	merged, err := c.git.Merge(ctx, t.Path, ref, fmt.Sprintf("Merge %s into %s", ref, t.Branch))
	if err != nil {
		return fmt.Errorf("%s: %s: %w", t.TaskID, op, err)
	}
	if len(files) == 0 && len(merged) == 0 {
		c.logger.Debug("workspace up to date with base", "task_id", t.TaskID, "ref", ref)
		return nil
	}
	if len(files) == 0 {
		files = merged
	}
	return c.delegate(ctx, op, t, files)
}

func (c *Coordinator) delegate(ctx context.Context, op Op, t Target, files []string) error {
	conflict := errors.NewGitConflictError(string(op), t.TaskID, files).WithBranches(t.Branch, c.cfg.BaseBranch)
	trace.SpanFromContext(ctx).SetAttributes(attribute.StringSlice("git.conflict_files", files))

	if c.delegator == nil {
		return conflict
	}
	prompt := ConflictPrompt(op, t.Branch, c.cfg.BaseBranch, files)
	if err := c.delegator.Delegate(ctx, t.TaskID, prompt); err != nil {
		c.logger.Warn("conflict delegation failed", "task_id", t.TaskID, "files", files, "error", err)
		return conflict.WithCause(err)
	}
	c.logger.Info("delegated conflict resolution", "task_id", t.TaskID, "op", string(op), "files", files)
	return conflict.WithDelegated(true)
}

func (c *Coordinator) checkResolved(ctx context.Context, t Target) error {
	files, err := c.git.UnmergedFiles(ctx, t.Path)
	if err != nil {
		return fmt.Errorf("%s: %w", t.TaskID, err)
	}
	if len(files) > 0 || c.git.IsMergeInProgress(ctx, t.Path) {
		return fmt.Errorf("%s: %d file(s) still conflicted: %w", t.TaskID, len(files), errors.ErrUnresolvedConflicts)
	}
	return nil
}

func (c *Coordinator) prOptions(ctx context.Context, t Target) (pr.Options, error) {
	changed, err := c.git.ChangedFiles(ctx, t.Path, c.cfg.BaseBranch)
	if err != nil {
		return pr.Options{}, fmt.Errorf("%s: pr: %w", t.TaskID, err)
	}
	log, err := c.git.Log(ctx, t.Path, c.cfg.BaseBranch)
	if err != nil {
		c.logger.Debug("failed to read commit log", "task_id", t.TaskID, "error", err)
	}

	data := pr.TemplateData{
		TaskID:       t.TaskID,
		TaskTitle:    t.Title,
		Description:  t.Description,
		Branch:       t.Branch,
		Base:         c.cfg.BaseBranch,
		ChangedFiles: changed,
		CommitLog:    log,
		LinkedIssue:  pr.IssueReference(t.Title + "\n" + t.Description),
	}
	title, err := pr.Render("title", c.cfg.PR.TitleTemplate, data)
	if err != nil {
		return pr.Options{}, fmt.Errorf("%s: pr: %w", t.TaskID, err)
	}
	body, err := pr.Render("body", c.cfg.PR.BodyTemplate, data)
	if err != nil {
		return pr.Options{}, fmt.Errorf("%s: pr: %w", t.TaskID, err)
	}

	return pr.Options{
		Title:     title,
		Body:      body,
		Branch:    t.Branch,
		Base:      c.cfg.BaseBranch,
		Draft:     c.cfg.PR.Draft,
		Reviewers: pr.ResolveReviewers(changed, c.cfg.PR.Reviewers, c.cfg.PR.ReviewersByPath),
		Labels:    c.cfg.PR.Labels,
	}, nil
}

func (c *Coordinator) start(ctx context.Context, op Op, t Target) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "gitflow."+string(op),
		trace.WithAttributes(
			attribute.String("task.id", t.TaskID),
			attribute.String("git.branch", t.Branch),
			attribute.String("git.base", c.cfg.BaseBranch),
		),
	)
}

// finish ends span. Conflicts are an expected outcome and do not mark the
// span as failed.
func (c *Coordinator) finish(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	var conflict *errors.GitConflictError
	if errors.As(err, &conflict) {
		span.SetAttributes(attribute.Bool("git.conflict_delegated", conflict.Delegated))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
