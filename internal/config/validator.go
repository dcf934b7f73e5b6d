package config

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/gobwas/glob"

	"github.com/riordanpawley/azedarach/internal/instance/detect"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "monitor.interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

var (
	// sessionPrefixRegex keeps tmux target syntax (":" and ".") out of names
	sessionPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	envNameRegex       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidPatternStates returns the states a detection pattern may target
func ValidPatternStates() []string {
	return []string{"busy", "waiting", "done", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateGeneral()...)
	errors = append(errors, c.validateWorktree()...)
	errors = append(errors, c.validateTmux()...)
	errors = append(errors, c.validateMonitor()...)
	errors = append(errors, c.validateDetect()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateDevServer()...)
	errors = append(errors, c.validateGit()...)
	errors = append(errors, c.validatePR()...)
	errors = append(errors, c.validateNetwork()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateGeneral validates top-level settings
func (c *Config) validateGeneral() []ValidationError {
	var errors []ValidationError

	if c.BaseBranch == "" {
		errors = append(errors, ValidationError{
			Field:   "base_branch",
			Value:   c.BaseBranch,
			Message: "cannot be empty",
		})
	} else if strings.ContainsAny(c.BaseBranch, " ~^:?*[\\") || strings.Contains(c.BaseBranch, "..") {
		errors = append(errors, ValidationError{
			Field:   "base_branch",
			Value:   c.BaseBranch,
			Message: "is not a valid git branch name",
		})
	}

	if strings.ContainsRune(c.StateDir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "state_dir",
			Value:   c.StateDir,
			Message: "path contains invalid null character",
		})
	}

	return errors
}

// validateWorktree validates the WorktreeConfig
func (c *Config) validateWorktree() []ValidationError {
	var errors []ValidationError
	errors = append(errors, requireTemplate("worktree.path_template", c.Worktree.PathTemplate)...)
	errors = append(errors, requireTemplate("worktree.branch_template", c.Worktree.BranchTemplate)...)
	return errors
}

// validateTmux validates the TmuxConfig
func (c *Config) validateTmux() []ValidationError {
	var errors []ValidationError

	if !sessionPrefixRegex.MatchString(c.Tmux.SessionPrefix) {
		errors = append(errors, ValidationError{
			Field:   "tmux.session_prefix",
			Value:   c.Tmux.SessionPrefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	// Zero means "size from the current terminal"
	const maxWidth = 500
	const maxHeight = 200
	if c.Tmux.Width < 0 || c.Tmux.Width > maxWidth {
		errors = append(errors, ValidationError{
			Field:   "tmux.width",
			Value:   c.Tmux.Width,
			Message: fmt.Sprintf("must be between 0 and %d columns", maxWidth),
		})
	}
	if c.Tmux.Height < 0 || c.Tmux.Height > maxHeight {
		errors = append(errors, ValidationError{
			Field:   "tmux.height",
			Value:   c.Tmux.Height,
			Message: fmt.Sprintf("must be between 0 and %d rows", maxHeight),
		})
	}
	if c.Tmux.HistoryLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "tmux.history_limit",
			Value:   c.Tmux.HistoryLimit,
			Message: "must be non-negative",
		})
	}
	if c.Tmux.StopTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "tmux.stop_timeout_seconds",
			Value:   c.Tmux.StopTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateMonitor validates the MonitorConfig
func (c *Config) validateMonitor() []ValidationError {
	var errors []ValidationError

	const minInterval = 50
	const maxInterval = 60_000
	if c.Monitor.IntervalMs < minInterval || c.Monitor.IntervalMs > maxInterval {
		errors = append(errors, ValidationError{
			Field:   "monitor.interval_ms",
			Value:   c.Monitor.IntervalMs,
			Message: fmt.Sprintf("must be between %d and %d", minInterval, maxInterval),
		})
	}

	// Captures must finish before the next tick
	if c.Monitor.CaptureTimeoutMs <= 0 || c.Monitor.CaptureTimeoutMs >= c.Monitor.IntervalMs {
		errors = append(errors, ValidationError{
			Field:   "monitor.capture_timeout_ms",
			Value:   c.Monitor.CaptureTimeoutMs,
			Message: fmt.Sprintf("must be positive and less than monitor.interval_ms (%d)", c.Monitor.IntervalMs),
		})
	}

	const maxCaptureLines = 10_000
	if c.Monitor.CaptureLines < 1 || c.Monitor.CaptureLines > maxCaptureLines {
		errors = append(errors, ValidationError{
			Field:   "monitor.capture_lines",
			Value:   c.Monitor.CaptureLines,
			Message: fmt.Sprintf("must be between 1 and %d", maxCaptureLines),
		})
	}

	return errors
}

// validateDetect validates configured detection patterns
func (c *Config) validateDetect() []ValidationError {
	var errors []ValidationError

	for i, p := range c.Detect.ExtraPatterns {
		field := fmt.Sprintf("detect.extra_patterns[%d]", i)
		if !slices.Contains(ValidPatternStates(), strings.ToLower(p.State)) {
			errors = append(errors, ValidationError{
				Field:   field + ".state",
				Value:   p.State,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidPatternStates(), ", ")),
			})
			continue
		}
		if p.Priority < 0 || p.Priority > 1000 {
			errors = append(errors, ValidationError{
				Field:   field + ".priority",
				Value:   p.Priority,
				Message: "must be between 0 and 1000 (0 uses the state default)",
			})
		}
		if _, err := regexp.Compile(p.Pattern); err != nil || p.Pattern == "" {
			msg := "cannot be empty"
			if err != nil {
				msg = fmt.Sprintf("invalid regular expression: %v", err)
			}
			errors = append(errors, ValidationError{
				Field:   field + ".pattern",
				Value:   p.Pattern,
				Message: msg,
			})
		}
	}

	return errors
}

// Specs converts the configured patterns for detect.CompileRules.
func (c *DetectConfig) Specs() []detect.PatternSpec {
	specs := make([]detect.PatternSpec, 0, len(c.ExtraPatterns))
	for _, p := range c.ExtraPatterns {
		specs = append(specs, detect.PatternSpec{
			Name:     p.Name,
			State:    strings.ToLower(p.State),
			Pattern:  p.Pattern,
			Priority: p.Priority,
		})
	}
	return specs
}

// validateAgent validates the AgentConfig and PauseConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.command",
			Value:   c.Agent.Command,
			Message: "cannot be empty",
		})
	}

	if c.Agent.PromptFile == "" || filepath.IsAbs(c.Agent.PromptFile) || strings.Contains(c.Agent.PromptFile, "..") {
		errors = append(errors, ValidationError{
			Field:   "agent.prompt_file",
			Value:   c.Agent.PromptFile,
			Message: "must be a relative path inside the workspace",
		})
	}

	errors = append(errors, requireTemplate("agent.prompt_template", c.Agent.PromptTemplate)...)
	if c.Pause.Snapshot {
		errors = append(errors, requireTemplate("pause.snapshot_message", c.Pause.SnapshotMessage)...)
	}

	return errors
}

// validateDevServer validates the DevServerConfig
func (c *Config) validateDevServer() []ValidationError {
	var errors []ValidationError

	if c.DevServer.BasePort < 1 || c.DevServer.BasePort > 65535 {
		errors = append(errors, ValidationError{
			Field:   "dev_server.base_port",
			Value:   c.DevServer.BasePort,
			Message: "must be between 1 and 65535",
		})
	}

	const maxWindow = 1000
	if c.DevServer.PortWindow < 1 || c.DevServer.PortWindow > maxWindow {
		errors = append(errors, ValidationError{
			Field:   "dev_server.port_window",
			Value:   c.DevServer.PortWindow,
			Message: fmt.Sprintf("must be between 1 and %d", maxWindow),
		})
	} else if c.DevServer.BasePort+c.DevServer.PortWindow-1 > 65535 {
		errors = append(errors, ValidationError{
			Field:   "dev_server.port_window",
			Value:   c.DevServer.PortWindow,
			Message: "scan window extends past port 65535",
		})
	}

	if !envNameRegex.MatchString(c.DevServer.PortEnv) {
		errors = append(errors, ValidationError{
			Field:   "dev_server.port_env",
			Value:   c.DevServer.PortEnv,
			Message: "must be a valid environment variable name",
		})
	}

	if c.DevServer.Window == "" || strings.ContainsAny(c.DevServer.Window, ":.") {
		errors = append(errors, ValidationError{
			Field:   "dev_server.window",
			Value:   c.DevServer.Window,
			Message: "must be non-empty and cannot contain ':' or '.'",
		})
	}

	return errors
}

// validateGit validates the GitConfig
func (c *Config) validateGit() []ValidationError {
	var errors []ValidationError

	if c.Git.Remote == "" && (c.Git.Fetch || c.Git.PushAfterMerge) {
		errors = append(errors, ValidationError{
			Field:   "git.remote",
			Value:   c.Git.Remote,
			Message: "cannot be empty when fetch or push_after_merge is enabled",
		})
	}

	return errors
}

// validatePR validates the PRConfig
func (c *Config) validatePR() []ValidationError {
	var errors []ValidationError

	if c.PR.TitleTemplate != "" {
		errors = append(errors, requireTemplate("pr.title_template", c.PR.TitleTemplate)...)
	}
	if c.PR.BodyTemplate != "" {
		errors = append(errors, requireTemplate("pr.body_template", c.PR.BodyTemplate)...)
	}

	for pattern := range c.PR.Reviewers.ByPath {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   "pr.reviewers.by_path",
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

// validateNetwork validates the NetworkConfig
func (c *Config) validateNetwork() []ValidationError {
	var errors []ValidationError

	if c.Network.ProbeAddress != "-" {
		if _, _, err := net.SplitHostPort(c.Network.ProbeAddress); err != nil {
			errors = append(errors, ValidationError{
				Field:   "network.probe_address",
				Value:   c.Network.ProbeAddress,
				Message: "must be host:port, or \"-\" to disable probing",
			})
		}
	}
	if c.Network.TimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "network.timeout_ms",
			Value:   c.Network.TimeoutMs,
			Message: "must be positive",
		})
	}
	if c.Network.CacheSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "network.cache_seconds",
			Value:   c.Network.CacheSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateTracker validates the TrackerConfig
func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError

	if c.Tracker.Enabled && strings.TrimSpace(c.Tracker.Binary) == "" {
		errors = append(errors, ValidationError{
			Field:   "tracker.binary",
			Value:   c.Tracker.Binary,
			Message: "cannot be empty when the tracker is enabled",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func requireTemplate(field, text string) []ValidationError {
	if strings.TrimSpace(text) == "" {
		return []ValidationError{{Field: field, Value: text, Message: "cannot be empty"}}
	}
	if _, err := template.New(field).Parse(text); err != nil {
		return []ValidationError{{Field: field, Value: text, Message: fmt.Sprintf("invalid template: %v", err)}}
	}
	return nil
}
