package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/session"
	"github.com/riordanpawley/azedarach/internal/tui"
)

// syncDebounce coalesces bursts of snapshot writes into one Sync.
const syncDebounce = 150 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor every running session and show live state changes",
	Long: `Watch recovers the recorded sessions, reattaches to the tmux sessions
that are still alive and keeps polling agent output until interrupted.
Commands run from other terminals are picked up from the session snapshot.

On a terminal a live view is shown; otherwise one line is printed per event.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchPlain bool

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print events as lines even on a terminal")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer func() { _ = e.close() }()

	if err := e.engine.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}

	var app *tui.App
	if !watchPlain && term.IsTerminal(int(os.Stdout.Fd())) {
		app = tui.New(e.engine, e.engine.Bus())
	}
	notify := func(text string) {
		if app != nil {
			app.Notify(text)
			return
		}
		printWarning(cmd.OutOrStdout(), "%s", text)
	}

	viper.OnConfigChange(func(ev fsnotify.Event) {
		e.logger.Info("config file changed", "file", ev.Name, "op", ev.Op.String())
		notify("config changed; restart watch to apply")
	})
	viper.WatchConfig()

	stopWatching, err := watchSnapshot(ctx, e.engine.Store.Dir(), e.logger, func() {
		if err := e.engine.Sync(ctx); err != nil {
			e.logger.Warn("failed to sync sessions from snapshot", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = stopWatching() }()

	if app != nil {
		return app.Run(ctx)
	}
	return streamEvents(ctx, cmd, e)
}

// streamEvents prints one line per event until ctx is cancelled.
func streamEvents(ctx context.Context, cmd *cobra.Command, e *env) error {
	events, unsubscribe := e.engine.Bus().Stream(64)
	defer unsubscribe()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "watching %d session(s) in %s\n", len(e.engine.Sessions()), e.root)
	for {
		select {
		case ev := <-events:
			_, _ = fmt.Fprintf(out, "%s %s\n", ev.Timestamp().Format("15:04:05"), tui.Describe(ev))
		case <-ctx.Done():
			return nil
		}
	}
}

// watchSnapshot calls onChange, debounced, whenever the session snapshot in
// dir is written. The returned function stops watching.
func watchSnapshot(ctx context.Context, dir string, logger *logging.Logger, onChange func()) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// The snapshot is replaced by rename, so the directory is watched.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(syncDebounce, onChange)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != session.SnapshotFileName {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("snapshot watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() error {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		return watcher.Close()
	}, nil
}
