// Package tracker reads and updates tasks in the beads issue tracker through
// its "bd" CLI. When a task carries an external GitHub issue reference,
// closing the task also closes that issue through "gh".
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/riordanpawley/azedarach/internal/command"
	"github.com/riordanpawley/azedarach/internal/logging"
)

// DefaultBinary is the tracker CLI.
const DefaultBinary = "bd"

// Status values understood by bd.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
)

// Task is one tracker issue.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Type        string   `json:"issue_type,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
}

// IsClosed reports whether the task is finished.
func (t Task) IsClosed() bool {
	return t.Status == StatusClosed || t.Status == "completed"
}

// ListOptions filters List.
type ListOptions struct {
	Status string
	Label  string
}

// Client drives the tracker CLI from the repository root.
type Client struct {
	runner  command.Runner
	binary  string
	dir     string
	enabled bool
	logger  *logging.Logger
}

// NewClient creates a Client. A disabled client answers reads with
// ErrDisabled and ignores writes.
func NewClient(runner command.Runner, binary, dir string, enabled bool, logger *logging.Logger) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{
		runner:  runner,
		binary:  binary,
		dir:     dir,
		enabled: enabled,
		logger:  logging.OrNop(logger).WithComponent("tracker"),
	}
}

// ErrDisabled is returned by reads on a disabled client.
var ErrDisabled = errors.New("task tracker disabled")

// Enabled reports whether the client talks to the tracker.
func (c *Client) Enabled() bool {
	return c.enabled
}

// List returns tasks matching opts.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	args := []string{"list", "--json"}
	if opts.Status != "" {
		args = append(args, "--status", opts.Status)
	}
	if opts.Label != "" {
		args = append(args, "--label", opts.Label)
	}
	output, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := decode(output, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse %s list output: %w", c.binary, err)
	}
	return tasks, nil
}

// Show returns one task.
func (c *Client) Show(ctx context.Context, id string) (Task, error) {
	if !c.enabled {
		return Task{}, ErrDisabled
	}
	output, err := c.run(ctx, "show", id, "--json")
	if err != nil {
		return Task{}, err
	}
	// bd show --json returns an array with one element.
	var tasks []Task
	if err := decode(output, &tasks); err != nil {
		var single Task
		if err2 := decode(output, &single); err2 != nil || single.ID == "" {
			return Task{}, fmt.Errorf("failed to parse %s show output: %w", c.binary, err)
		}
		return single, nil
	}
	if len(tasks) == 0 {
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	return tasks[0], nil
}

// UpdateStatus sets a task's status.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) error {
	if !c.enabled {
		return nil
	}
	if _, err := c.run(ctx, "update", id, "--status", status); err != nil {
		return err
	}
	c.logger.Debug("task status updated", "task_id", id, "status", status)
	return nil
}

// Close closes a task with an optional reason, then closes its linked
// GitHub issue, if any. Failing to close the linked issue is logged only.
func (c *Client) Close(ctx context.Context, id, reason string) error {
	if !c.enabled {
		return nil
	}
	var ref string
	if t, err := c.Show(ctx, id); err == nil {
		ref = t.ExternalRef
	}

	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return err
	}
	c.logger.Info("task closed", "task_id", id)

	if ref != "" {
		if err := c.closeExternal(ctx, ref); err != nil {
			c.logger.Warn("failed to close linked issue", "task_id", id, "ref", ref, "error", err)
		}
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	output, err := c.runner.Run(ctx, c.dir, c.binary, args...)
	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w\n%s", c.binary, args[0], err, command.Trimmed(output))
	}
	return output, nil
}

// decode skips any leading diagnostics before the JSON document.
func decode(output []byte, v any) error {
	if i := bytes.IndexAny(output, "[{"); i > 0 {
		output = output[i:]
	}
	return json.Unmarshal(output, v)
}

// Provider identifies the host of an external issue reference.
type Provider string

const (
	ProviderGitHub  Provider = "github"
	ProviderUnknown Provider = "unknown"
)

var gitHubIssue = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/issues/(\d+)$`)

// DetectProvider determines the issue provider from a URL.
func DetectProvider(issueURL string) (Provider, error) {
	parsed, err := url.Parse(issueURL)
	if err != nil {
		return ProviderUnknown, fmt.Errorf("invalid URL: %w", err)
	}
	if strings.Contains(strings.ToLower(parsed.Host), "github.com") {
		return ProviderGitHub, nil
	}
	return ProviderUnknown, nil
}

func (c *Client) closeExternal(ctx context.Context, ref string) error {
	provider, err := DetectProvider(ref)
	if err != nil || provider != ProviderGitHub {
		return err
	}
	m := gitHubIssue.FindStringSubmatch(ref)
	if len(m) != 4 {
		return fmt.Errorf("invalid GitHub issue URL: %s", ref)
	}
	repo := m[1] + "/" + m[2]
	output, err := c.runner.Run(ctx, c.dir, "gh", "issue", "close", m[3], "--repo", repo)
	if err != nil {
		return fmt.Errorf("failed to close GitHub issue #%s: %w\noutput: %s", m[3], err, command.Trimmed(output))
	}
	c.logger.Info("closed GitHub issue", "repo", repo, "issue", m[3])
	return nil
}
