package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/riordanpawley/azedarach/internal/config"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/orchestrator"
	"github.com/riordanpawley/azedarach/internal/worktree"
)

// shutdownTimeout bounds the final snapshot write and poller shutdown.
const shutdownTimeout = 10 * time.Second

// env is the engine plus the resources a command must release.
type env struct {
	cfg    *config.Config
	root   string
	logger *logging.Logger
	engine *orchestrator.Engine
}

// openEngine loads configuration and builds the engine for the repository
// selected by --repo or the working directory.
func openEngine() (*env, error) {
	dir := viper.GetString("repo")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		dir = cwd
	}
	root, err := worktree.FindGitRoot(dir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	sizeFromTerminal(cfg)

	logger, err := newLogger(cfg, root)
	if err != nil {
		return nil, err
	}

	engine, err := orchestrator.NewEngine(cfg, root, nil, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &env{cfg: cfg, root: root, logger: logger, engine: engine}, nil
}

// openLoaded opens the engine and reads the persisted session records.
func openLoaded() (*env, error) {
	e, err := openEngine()
	if err != nil {
		return nil, err
	}
	if err := e.engine.Load(); err != nil {
		_ = e.logger.Close()
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	return e, nil
}

// close stops pollers, writes the final snapshot and closes the log.
func (e *env) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := e.engine.Shutdown(ctx)
	if cerr := e.logger.Close(); err == nil {
		err = cerr
	}
	return err
}

func newLogger(cfg *config.Config, root string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	logger, err := logging.NewLoggerWithOptions(logging.Options{
		Dir:   filepath.Join(cfg.ResolveStateDir(root), "logs"),
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// sizeFromTerminal makes new tmux sessions match the invoking terminal so
// the agent's first screen is not reflowed on attach.
func sizeFromTerminal(cfg *config.Config) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
		cfg.Tmux.Width, cfg.Tmux.Height = w, h
	}
}
