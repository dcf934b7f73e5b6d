package pr

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/gobwas/glob"
)

// DefaultTitleTemplate and DefaultBodyTemplate render PRs when no custom
// templates are configured.
const (
	DefaultTitleTemplate = "{{if .TaskTitle}}{{.TaskTitle}}{{else}}{{.Branch}}{{end}} ({{.TaskID}})"
	DefaultBodyTemplate  = `## Task
{{.TaskID}}{{if .TaskTitle}}: {{.TaskTitle}}{{end}}
{{if .Description}}
{{.Description}}
{{end}}
## Changed files
{{range .ChangedFiles}}- {{.}}
{{end}}{{if .CommitLog}}
## Commits
{{.CommitLog}}
{{end}}{{if .LinkedIssue}}
Closes {{.LinkedIssue}}
{{end}}`
)

// TemplateData is what PR title and body templates can reference.
type TemplateData struct {
	TaskID      string
	TaskTitle   string
	Description string
	// Branch is merged into Base.
	Branch string
	Base   string

	ChangedFiles []string
	// CommitLog is the one-line history of Branch since Base.
	CommitLog string
	// LinkedIssue is an issue reference such as "#42" found in the task.
	LinkedIssue string
}

// Render executes tmpl with data and trims surrounding whitespace.
func Render(name, tmpl string, data TemplateData) (string, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

var (
	closingRef = regexp.MustCompile(`(?i)\b(?:fix(?:es|ed)?|close[sd]?|resolve[sd]?)\s*:?\s*#(\d+)`)
	bareRef    = regexp.MustCompile(`(?:^|[\s(])#(\d+)\b`)
)

// IssueReference returns the issue a task refers to, as "#N". A reference
// introduced by a closing keyword wins over the first bare one.
func IssueReference(text string) string {
	if m := closingRef.FindStringSubmatch(text); m != nil {
		return "#" + m[1]
	}
	if m := bareRef.FindStringSubmatch(text); m != nil {
		return "#" + m[1]
	}
	return ""
}

// ResolveReviewers returns the default reviewers plus those whose path glob
// matches any changed file, without "@" prefixes, sorted and de-duplicated.
// Invalid globs are skipped.
func ResolveReviewers(changedFiles, defaults []string, byPath map[string][]string) []string {
	set := make(map[string]struct{})
	add := func(handles []string) {
		for _, h := range handles {
			if h = strings.TrimPrefix(strings.TrimSpace(h), "@"); h != "" {
				set[h] = struct{}{}
			}
		}
	}

	add(defaults)
	for _, pattern := range slices.Sorted(maps.Keys(byPath)) {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		if slices.ContainsFunc(changedFiles, g.Match) {
			add(byPath[pattern])
		}
	}
	return slices.Sorted(maps.Keys(set))
}
