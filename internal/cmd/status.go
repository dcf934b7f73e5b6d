package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/session"
	"github.com/riordanpawley/azedarach/internal/tracker"
	"github.com/riordanpawley/azedarach/internal/tui"
)

// probeLimit bounds concurrent tmux probes.
const probeLimit = 8

var statusCmd = &cobra.Command{
	Use:   "status [task-id]...",
	Short: "Show recorded sessions",
	Long: `Status lists the recorded sessions with their state, branch, tmux
session, uptime and dev server, plus task titles when the tracker is
enabled. Each recorded tmux session is probed so sessions that died outside
azedarach are flagged.`,
	RunE: runStatus,
}

var statusOutput string

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format: table or yaml")
	rootCmd.AddCommand(statusCmd)
}

// statusEntry is the yaml form of one session.
type statusEntry struct {
	TaskID    string `yaml:"task_id"`
	Title     string `yaml:"title,omitempty"`
	State     string `yaml:"state"`
	Branch    string `yaml:"branch,omitempty"`
	Worktree  string `yaml:"worktree,omitempty"`
	Tmux      string `yaml:"tmux_session,omitempty"`
	Alive     bool   `yaml:"alive"`
	Uptime    string `yaml:"uptime,omitempty"`
	DevPort   int    `yaml:"dev_port,omitempty"`
	LastError string `yaml:"last_error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusOutput != "table" && statusOutput != "yaml" {
		return fmt.Errorf("unknown output format %q", statusOutput)
	}

	e, err := openLoaded()
	if err != nil {
		return err
	}
	defer func() { _ = e.logger.Close() }()

	sessions := selectSessions(e.engine.Sessions(), args)
	alive := probeSessions(cmd.Context(), sessions, e.engine.Lifecycle.SessionAlive)
	titles := taskTitles(cmd.Context(), e.engine.Tracker, e.logger)
	out := cmd.OutOrStdout()

	if statusOutput == "yaml" {
		return writeStatusYAML(out, sessions, titles, alive, time.Now())
	}

	_, _ = fmt.Fprintln(out, tui.RenderTable(sessions, titles, time.Now(), color.NoColor))
	for _, s := range sessions {
		if s.TmuxSession != "" && !alive[s.TaskID] {
			printWarning(out, "%s: tmux session %s is gone (run stop or cleanup)", s.TaskID, s.TmuxSession)
		}
	}
	return nil
}

// selectSessions keeps the sessions named in ids, or all when ids is empty.
func selectSessions(all []*session.Session, ids []string) []*session.Session {
	if len(ids) == 0 {
		return all
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*session.Session
	for _, s := range all {
		if want[s.TaskID] {
			out = append(out, s)
		}
	}
	return out
}

// taskLister is the tracker surface status reads titles from.
type taskLister interface {
	Enabled() bool
	List(ctx context.Context, opts tracker.ListOptions) ([]tracker.Task, error)
}

// taskTitles maps task ids to tracker titles. A disabled or failing tracker
// yields no titles.
func taskTitles(ctx context.Context, tasks taskLister, logger *logging.Logger) map[string]string {
	if tasks == nil || !tasks.Enabled() {
		return nil
	}
	list, err := tasks.List(ctx, tracker.ListOptions{})
	if err != nil {
		logger.Debug("task titles unavailable", "error", err)
		return nil
	}
	titles := make(map[string]string, len(list))
	for _, t := range list {
		if t.Title != "" {
			titles[t.ID] = t.Title
		}
	}
	return titles
}

// probeSessions checks every recorded tmux session concurrently. A failed
// probe counts as not alive.
func probeSessions(ctx context.Context, sessions []*session.Session, alive func(context.Context, string) (bool, error)) map[string]bool {
	var mu sync.Mutex
	result := make(map[string]bool, len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)
	for _, s := range sessions {
		if s.TmuxSession == "" {
			continue
		}
		g.Go(func() error {
			ok, err := alive(ctx, s.TaskID)
			mu.Lock()
			result[s.TaskID] = ok && err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func writeStatusYAML(w io.Writer, sessions []*session.Session, titles map[string]string, alive map[string]bool, now time.Time) error {
	entries := make([]statusEntry, 0, len(sessions))
	for _, s := range sessions {
		entry := statusEntry{
			TaskID:    s.TaskID,
			Title:     titles[s.TaskID],
			State:     s.State.String(),
			Branch:    s.Branch,
			Worktree:  s.WorkspacePath,
			Tmux:      s.TmuxSession,
			Alive:     alive[s.TaskID],
			LastError: s.LastError,
		}
		if up := s.Uptime(now); up > 0 {
			entry.Uptime = up.Round(time.Second).String()
		}
		if s.DevServer != nil && s.DevServer.Running {
			entry.DevPort = s.DevServer.Port
		}
		entries = append(entries, entry)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return enc.Close()
}
