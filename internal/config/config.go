package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete azedarach configuration
type Config struct {
	// BaseBranch is the branch task branches are created from and merged into
	BaseBranch string `mapstructure:"base_branch"`
	// StateDir holds the session snapshot and logs. Empty means
	// ".azedarach" in the repository root.
	StateDir  string          `mapstructure:"state_dir"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Tmux      TmuxConfig      `mapstructure:"tmux"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Detect    DetectConfig    `mapstructure:"detect"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Pause     PauseConfig     `mapstructure:"pause"`
	DevServer DevServerConfig `mapstructure:"dev_server"`
	Git       GitConfig       `mapstructure:"git"`
	PR        PRConfig        `mapstructure:"pr"`
	Network   NetworkConfig   `mapstructure:"network"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WorktreeConfig controls where task workspaces live and how branches are named
type WorktreeConfig struct {
	// PathTemplate is a Go text/template for the workspace path.
	// Fields: .TaskID, .RepoDir, .RepoName, .Parent
	// Relative results are resolved against the repository root.
	PathTemplate string `mapstructure:"path_template"`
	// BranchTemplate is a Go text/template for the task branch (.TaskID)
	BranchTemplate string `mapstructure:"branch_template"`
}

// TmuxConfig controls the multiplexer sessions hosting agents
type TmuxConfig struct {
	// Socket selects a dedicated tmux server (-L); empty uses the default server
	Socket string `mapstructure:"socket"`
	// SessionPrefix prefixes every session name (default: "az")
	SessionPrefix string `mapstructure:"session_prefix"`
	// Width and Height size new detached sessions. Zero uses the current terminal size.
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
	// HistoryLimit is the scrollback kept per session (default: 10000)
	HistoryLimit int `mapstructure:"history_limit"`
	// StopTimeoutSeconds bounds the wait for the agent to exit on Stop (default: 5)
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"`
}

// MonitorConfig controls output polling
type MonitorConfig struct {
	// IntervalMs is the polling interval per session (default: 500)
	IntervalMs int `mapstructure:"interval_ms"`
	// CaptureTimeoutMs bounds a single capture; must be below IntervalMs (default: 400)
	CaptureTimeoutMs int `mapstructure:"capture_timeout_ms"`
	// CaptureLines is how many trailing pane lines are captured (default: 100)
	CaptureLines int `mapstructure:"capture_lines"`
}

// DetectConfig extends the built-in state detection rules
type DetectConfig struct {
	// ExtraPatterns are added to the built-in rule table at startup
	ExtraPatterns []PatternConfig `mapstructure:"extra_patterns"`
}

// PatternConfig is one configured detection rule
type PatternConfig struct {
	Name string `mapstructure:"name"`
	// State is one of: busy, waiting, done, error
	State string `mapstructure:"state"`
	// Pattern is a Go regular expression matched per line
	Pattern string `mapstructure:"pattern"`
	// Priority overrides the state's default priority (0 = default)
	Priority int `mapstructure:"priority"`
}

// AgentConfig controls how the coding agent is started
type AgentConfig struct {
	// Command is the agent executable (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed before the prompt
	Args []string `mapstructure:"args"`
	// PromptFile is written in the workspace root and fed to the agent
	PromptFile string `mapstructure:"prompt_file"`
	// PromptTemplate renders the initial prompt from the task.
	// Fields: .TaskID, .Title, .Description
	PromptTemplate string `mapstructure:"prompt_template"`
	// ResumeMessage is typed into the agent on Resume
	ResumeMessage string `mapstructure:"resume_message"`
}

// PauseConfig controls the Pause command
type PauseConfig struct {
	// Snapshot commits in-progress work before interrupting the agent (default: false)
	Snapshot bool `mapstructure:"snapshot"`
	// SnapshotMessage is the commit message template (.TaskID)
	SnapshotMessage string `mapstructure:"snapshot_message"`
}

// DevServerConfig controls per-task dev servers
type DevServerConfig struct {
	// Command starts the dev server; empty disables ToggleDevServer
	Command string `mapstructure:"command"`
	// BasePort is where port scanning starts (default: 3000)
	BasePort int `mapstructure:"base_port"`
	// PortWindow is how many candidate ports are scanned (default: 100)
	PortWindow int `mapstructure:"port_window"`
	// PortEnv is the environment variable receiving the port (default: "PORT")
	PortEnv string `mapstructure:"port_env"`
	// Window is the tmux window name inside the task session (default: "dev")
	Window string `mapstructure:"window"`
}

// GitConfig controls merge workflows
type GitConfig struct {
	// Remote is fetched from and pushed to (default: "origin")
	Remote string `mapstructure:"remote"`
	// Fetch fetches the base branch before update and merge (default: true)
	Fetch bool `mapstructure:"fetch"`
	// PushAfterMerge pushes the base branch after merge (default: false)
	PushAfterMerge bool `mapstructure:"push_after_merge"`
	// AutoCommit commits pending workspace changes before merging (default: true)
	AutoCommit bool `mapstructure:"auto_commit"`
}

// PRConfig controls pull request creation behavior
type PRConfig struct {
	// Draft creates PRs as drafts by default
	Draft bool `mapstructure:"draft"`
	// TitleTemplate and BodyTemplate use Go text/template syntax; empty uses built-ins
	TitleTemplate string `mapstructure:"title_template"`
	BodyTemplate  string `mapstructure:"body_template"`
	// Reviewers configuration for automatic reviewer assignment
	Reviewers ReviewerConfig `mapstructure:"reviewers"`
	// Labels to add to all PRs by default
	Labels []string `mapstructure:"labels"`
}

// ReviewerConfig controls automatic reviewer assignment
type ReviewerConfig struct {
	// Default reviewers to always assign
	Default []string `mapstructure:"default"`
	// ByPath maps file path patterns to reviewers (glob patterns supported)
	ByPath map[string][]string `mapstructure:"by_path"`
}

// NetworkConfig controls the offline check
type NetworkConfig struct {
	// Offline skips every network-touching step
	Offline bool `mapstructure:"offline"`
	// ProbeAddress is dialed to test connectivity; "-" disables probing
	ProbeAddress string `mapstructure:"probe_address"`
	// TimeoutMs bounds the probe (default: 2000)
	TimeoutMs int `mapstructure:"timeout_ms"`
	// CacheSeconds is how long a probe result is reused (default: 30)
	CacheSeconds int `mapstructure:"cache_seconds"`
}

// TrackerConfig controls the task-tracking CLI
type TrackerConfig struct {
	// Enabled turns tracker calls on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Binary is the tracker executable (default: "bd")
	Binary string `mapstructure:"binary"`
	// CloseOnMerge closes the task once its branch is merged (default: true)
	CloseOnMerge bool `mapstructure:"close_on_merge"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging to the state directory is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// DefaultPromptTemplate is the initial prompt sent to a new agent.
const DefaultPromptTemplate = `You are working on task {{.TaskID}}{{if .Title}}: {{.Title}}{{end}}.
{{if .Description}}
{{.Description}}
{{end}}
Work in this directory only. Commit your changes when the task is complete.`

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		BaseBranch: "main",
		StateDir:   "",
		Worktree: WorktreeConfig{
			PathTemplate:   "{{.Parent}}/{{.RepoName}}-{{.TaskID}}",
			BranchTemplate: "{{.TaskID}}",
		},
		Tmux: TmuxConfig{
			SessionPrefix:      "az",
			HistoryLimit:       10000,
			StopTimeoutSeconds: 5,
		},
		Monitor: MonitorConfig{
			IntervalMs:       500,
			CaptureTimeoutMs: 400,
			CaptureLines:     100,
		},
		Detect: DetectConfig{
			ExtraPatterns: []PatternConfig{},
		},
		Agent: AgentConfig{
			Command:        "claude",
			Args:           []string{"--dangerously-skip-permissions"},
			PromptFile:     ".azedarach-prompt.md",
			PromptTemplate: DefaultPromptTemplate,
			ResumeMessage:  "Please continue where you left off.",
		},
		Pause: PauseConfig{
			Snapshot:        false,
			SnapshotMessage: "wip({{.TaskID}}): paused",
		},
		DevServer: DevServerConfig{
			BasePort:   3000,
			PortWindow: 100,
			PortEnv:    "PORT",
			Window:     "dev",
		},
		Git: GitConfig{
			Remote:         "origin",
			Fetch:          true,
			PushAfterMerge: false,
			AutoCommit:     true,
		},
		PR: PRConfig{
			Draft: false,
			Reviewers: ReviewerConfig{
				Default: []string{},
				ByPath:  map[string][]string{},
			},
			Labels: []string{},
		},
		Network: NetworkConfig{
			Offline:      false,
			ProbeAddress: "github.com:443",
			TimeoutMs:    2000,
			CacheSeconds: 30,
		},
		Tracker: TrackerConfig{
			Enabled:      true,
			Binary:       "bd",
			CloseOnMerge: true,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Interval returns the polling interval as a time.Duration
func (c *MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// CaptureTimeout returns the capture timeout as a time.Duration
func (c *MonitorConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutMs) * time.Millisecond
}

// StopTimeout returns the graceful stop timeout as a time.Duration
func (c *TmuxConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// Timeout returns the probe timeout as a time.Duration
func (c *NetworkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CacheTTL returns the probe cache lifetime as a time.Duration
func (c *NetworkConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheSeconds) * time.Second
}

// ResolveStateDir returns the resolved state directory.
// If StateDir is empty, it returns ".azedarach" inside repoDir.
// A leading ~ expands to the user's home directory and relative paths are
// resolved against repoDir.
func (c *Config) ResolveStateDir(repoDir string) string {
	if c.StateDir == "" {
		return filepath.Join(repoDir, ".azedarach")
	}

	path := c.StateDir

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(repoDir, path)
	}

	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("base_branch", defaults.BaseBranch)
	viper.SetDefault("state_dir", defaults.StateDir)

	// Worktree defaults
	viper.SetDefault("worktree.path_template", defaults.Worktree.PathTemplate)
	viper.SetDefault("worktree.branch_template", defaults.Worktree.BranchTemplate)

	// Tmux defaults
	viper.SetDefault("tmux.socket", defaults.Tmux.Socket)
	viper.SetDefault("tmux.session_prefix", defaults.Tmux.SessionPrefix)
	viper.SetDefault("tmux.width", defaults.Tmux.Width)
	viper.SetDefault("tmux.height", defaults.Tmux.Height)
	viper.SetDefault("tmux.history_limit", defaults.Tmux.HistoryLimit)
	viper.SetDefault("tmux.stop_timeout_seconds", defaults.Tmux.StopTimeoutSeconds)

	// Monitor defaults
	viper.SetDefault("monitor.interval_ms", defaults.Monitor.IntervalMs)
	viper.SetDefault("monitor.capture_timeout_ms", defaults.Monitor.CaptureTimeoutMs)
	viper.SetDefault("monitor.capture_lines", defaults.Monitor.CaptureLines)

	// Detect defaults
	viper.SetDefault("detect.extra_patterns", defaults.Detect.ExtraPatterns)

	// Agent defaults
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.prompt_file", defaults.Agent.PromptFile)
	viper.SetDefault("agent.prompt_template", defaults.Agent.PromptTemplate)
	viper.SetDefault("agent.resume_message", defaults.Agent.ResumeMessage)

	// Pause defaults
	viper.SetDefault("pause.snapshot", defaults.Pause.Snapshot)
	viper.SetDefault("pause.snapshot_message", defaults.Pause.SnapshotMessage)

	// Dev server defaults
	viper.SetDefault("dev_server.command", defaults.DevServer.Command)
	viper.SetDefault("dev_server.base_port", defaults.DevServer.BasePort)
	viper.SetDefault("dev_server.port_window", defaults.DevServer.PortWindow)
	viper.SetDefault("dev_server.port_env", defaults.DevServer.PortEnv)
	viper.SetDefault("dev_server.window", defaults.DevServer.Window)

	// Git defaults
	viper.SetDefault("git.remote", defaults.Git.Remote)
	viper.SetDefault("git.fetch", defaults.Git.Fetch)
	viper.SetDefault("git.push_after_merge", defaults.Git.PushAfterMerge)
	viper.SetDefault("git.auto_commit", defaults.Git.AutoCommit)

	// PR defaults
	viper.SetDefault("pr.draft", defaults.PR.Draft)
	viper.SetDefault("pr.title_template", defaults.PR.TitleTemplate)
	viper.SetDefault("pr.body_template", defaults.PR.BodyTemplate)
	viper.SetDefault("pr.reviewers.default", defaults.PR.Reviewers.Default)
	viper.SetDefault("pr.reviewers.by_path", defaults.PR.Reviewers.ByPath)
	viper.SetDefault("pr.labels", defaults.PR.Labels)

	// Network defaults
	viper.SetDefault("network.offline", defaults.Network.Offline)
	viper.SetDefault("network.probe_address", defaults.Network.ProbeAddress)
	viper.SetDefault("network.timeout_ms", defaults.Network.TimeoutMs)
	viper.SetDefault("network.cache_seconds", defaults.Network.CacheSeconds)

	// Tracker defaults
	viper.SetDefault("tracker.enabled", defaults.Tracker.Enabled)
	viper.SetDefault("tracker.binary", defaults.Tracker.Binary)
	viper.SetDefault("tracker.close_on_merge", defaults.Tracker.CloseOnMerge)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "azedarach")
	}
	// Fall back to ~/.config/azedarach
	home, err := os.UserHomeDir()
	if err != nil {
		return ".azedarach"
	}
	return filepath.Join(home, ".config", "azedarach")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
