// Package pr creates pull requests for task branches through the gh CLI and
// renders their title and body.
package pr

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/riordanpawley/azedarach/internal/command"
)

// Options contains options for PR creation.
type Options struct {
	Title     string
	Body      string
	Branch    string
	Base      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Args builds the gh arguments for opts.
func (o Options) Args() []string {
	args := []string{"pr", "create",
		"--title", o.Title,
		"--body", o.Body,
		"--head", o.Branch,
	}
	if o.Base != "" {
		args = append(args, "--base", o.Base)
	}
	if o.Draft {
		args = append(args, "--draft")
	}
	for _, reviewer := range o.Reviewers {
		args = append(args, "--reviewer", reviewer)
	}
	for _, label := range o.Labels {
		args = append(args, "--label", label)
	}
	return args
}

var prURL = regexp.MustCompile(`https://\S+/pull/\d+`)

// Create creates a PR with gh from dir and returns its URL.
func Create(ctx context.Context, runner command.Runner, dir string, opts Options) (string, error) {
	output, err := runner.Run(ctx, dir, "gh", opts.Args()...)
	if err != nil {
		if url := existingPR(output); url != "" {
			return url, nil
		}
		return "", fmt.Errorf("failed to create PR: %w\n%s", err, command.Trimmed(output))
	}
	if url := prURL.Find(output); url != nil {
		return string(url), nil
	}
	return command.Trimmed(output), nil
}

// existingPR extracts the URL gh prints when a PR already exists for the
// branch.
func existingPR(output []byte) string {
	if !strings.Contains(string(output), "already exists") {
		return ""
	}
	return string(prURL.Find(output))
}
