package orchestrator

import (
	"fmt"

	"github.com/riordanpawley/azedarach/internal/command"
	"github.com/riordanpawley/azedarach/internal/config"
	"github.com/riordanpawley/azedarach/internal/devserver"
	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/instance/detect"
	"github.com/riordanpawley/azedarach/internal/instance/lifecycle"
	"github.com/riordanpawley/azedarach/internal/instance/monitor"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/network"
	"github.com/riordanpawley/azedarach/internal/orchestrator/gitflow"
	"github.com/riordanpawley/azedarach/internal/ports"
	"github.com/riordanpawley/azedarach/internal/session"
	"github.com/riordanpawley/azedarach/internal/tmux"
	"github.com/riordanpawley/azedarach/internal/tracker"
	"github.com/riordanpawley/azedarach/internal/worktree"
)

// Engine bundles an Orchestrator with the concrete collaborators built from
// configuration, for callers that need direct access to them.
type Engine struct {
	*Orchestrator

	Tmux      *tmux.Client
	Worktrees *worktree.Manager
	Lifecycle *lifecycle.Manager
	Monitor   *monitor.Monitor
	GitFlow   *gitflow.Coordinator
	Network   *network.Checker
	Tracker   *tracker.Client
	Store     *session.Store
}

// NewEngine builds the full engine for the repository containing repoDir.
func NewEngine(cfg *config.Config, repoDir string, runner command.Runner, logger *logging.Logger) (*Engine, error) {
	if runner == nil {
		runner = command.NewExecRunner()
	}

	wt, err := worktree.New(runner, repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	root := wt.RepoDir()

	store, err := session.NewStore(cfg.ResolveStateDir(root))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	extra, err := detect.CompileRules(cfg.Detect.Specs())
	if err != nil {
		return nil, fmt.Errorf("invalid detect patterns: %w", err)
	}
	detector := detect.NewDetector(append(detect.DefaultRules(), extra...))

	tm := tmux.NewClient(runner, cfg.Tmux.Socket)
	life, err := lifecycle.NewManager(lifecycle.Config{
		PathTemplate:   cfg.Worktree.PathTemplate,
		BranchTemplate: cfg.Worktree.BranchTemplate,
		SessionPrefix:  cfg.Tmux.SessionPrefix,
		Session: tmux.SessionOptions{
			Width:        cfg.Tmux.Width,
			Height:       cfg.Tmux.Height,
			HistoryLimit: cfg.Tmux.HistoryLimit,
		},
		AgentCommand: cfg.Agent.Command,
		AgentArgs:    cfg.Agent.Args,
		PromptFile:   cfg.Agent.PromptFile,
		StopTimeout:  cfg.Tmux.StopTimeout(),
	}, wt, tm, logger)
	if err != nil {
		return nil, err
	}

	mon := monitor.NewMonitor(monitor.Config{
		Interval:       cfg.Monitor.Interval(),
		CaptureTimeout: cfg.Monitor.CaptureTimeout(),
		Lines:          cfg.Monitor.CaptureLines,
		Target:         life.SessionName,
	}, tm, detector)
	mon.SetLogger(logger)

	checker := network.NewChecker(network.Config{
		Offline:      cfg.Network.Offline,
		ProbeAddress: cfg.Network.ProbeAddress,
		Timeout:      cfg.Network.Timeout(),
		CacheTTL:     cfg.Network.CacheTTL(),
	})

	flow := gitflow.NewCoordinator(gitflow.Config{
		BaseBranch:     cfg.BaseBranch,
		Remote:         cfg.Git.Remote,
		Fetch:          cfg.Git.Fetch,
		PushAfterMerge: cfg.Git.PushAfterMerge,
		AutoCommit:     cfg.Git.AutoCommit,
		PR: gitflow.PRConfig{
			Draft:           cfg.PR.Draft,
			Reviewers:       cfg.PR.Reviewers.Default,
			ReviewersByPath: cfg.PR.Reviewers.ByPath,
			Labels:          cfg.PR.Labels,
			TitleTemplate:   cfg.PR.TitleTemplate,
			BodyTemplate:    cfg.PR.BodyTemplate,
		},
	}, wt, checker, nil, runner, logger)

	allocator := ports.NewAllocator(ports.WithWindow(cfg.DevServer.PortWindow))
	dev := devserver.NewManager(devserver.Config{
		Command:  cfg.DevServer.Command,
		BasePort: cfg.DevServer.BasePort,
		PortEnv:  cfg.DevServer.PortEnv,
		Window:   cfg.DevServer.Window,
	}, tm, allocator, logger)

	tasks := tracker.NewClient(runner, cfg.Tracker.Binary, root, cfg.Tracker.Enabled, logger)

	bus := event.NewBus()
	bus.SetLogger(logger)

	o, err := New(Options{
		BaseBranch:      cfg.BaseBranch,
		PromptTemplate:  cfg.Agent.PromptTemplate,
		ResumeMessage:   cfg.Agent.ResumeMessage,
		PauseSnapshot:   cfg.Pause.Snapshot,
		SnapshotMessage: cfg.Pause.SnapshotMessage,
		PushAfterMerge:  cfg.Git.PushAfterMerge,
		DraftPR:         cfg.PR.Draft,
		CloseOnMerge:    cfg.Tracker.CloseOnMerge,
	}, Deps{
		Lifecycle:  life,
		Monitor:    mon,
		Git:        flow,
		Mux:        tm,
		DevServers: dev,
		Tasks:      tasks,
		Snapshots:  wt,
		Store:      store,
		Bus:        bus,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	flow.SetDelegator(o.Delegator())

	return &Engine{
		Orchestrator: o,
		Tmux:         tm,
		Worktrees:    wt,
		Lifecycle:    life,
		Monitor:      mon,
		GitFlow:      flow,
		Network:      checker,
		Tracker:      tasks,
		Store:        store,
	}, nil
}
