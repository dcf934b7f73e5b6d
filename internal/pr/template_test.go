package pr

import (
	"reflect"
	"strings"
	"testing"
)

func TestIssueReference(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Fix login (closes #12)", "#12"},
		{"resolves: #7 crash on save", "#7"},
		{"FIXES #100", "#100"},
		{"See #3, fixes #4", "#4"},
		{"Follow-up to #21", "#21"},
		{"Bump to v2#3", ""},
		{"No reference here", ""},
	}
	for _, tt := range tests {
		if got := IssueReference(tt.text); got != tt.want {
			t.Errorf("IssueReference(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestResolveReviewers(t *testing.T) {
	byPath := map[string][]string{
		"web/**":          {"@frontend"},
		"internal/tui/**": {"tui-owner", "@frontend"},
		"docs/*.md":       {"writer"},
		"[invalid":        {"nobody"},
	}

	tests := []struct {
		name     string
		changed  []string
		defaults []string
		want     []string
	}{
		{
			name:     "defaults only",
			changed:  []string{"go.mod"},
			defaults: []string{"@lead", " ops "},
			want:     []string{"lead", "ops"},
		},
		{
			name:    "glob matches deduplicated",
			changed: []string{"web/app/page.tsx", "internal/tui/model.go"},
			want:    []string{"frontend", "tui-owner"},
		},
		{
			name:    "single star does not cross directories",
			changed: []string{"docs/guides/setup.md"},
			want:    nil,
		},
		{
			name:     "default and path reviewers merged",
			changed:  []string{"docs/README.md"},
			defaults: []string{"writer", "lead"},
			want:     []string{"lead", "writer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveReviewers(tt.changed, tt.defaults, byPath)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveReviewers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	data := TemplateData{
		TaskID:       "az-3",
		TaskTitle:    "Add search",
		Description:  "Search the board by title.",
		Branch:       "az-3",
		Base:         "main",
		ChangedFiles: []string{"internal/search.go", "internal/search_test.go"},
		CommitLog:    "abc123 add search",
		LinkedIssue:  "#9",
	}

	title, err := Render("title", DefaultTitleTemplate, data)
	if err != nil {
		t.Fatalf("Render(title) error = %v", err)
	}
	if title != "Add search (az-3)" {
		t.Errorf("title = %q", title)
	}

	body, err := Render("body", DefaultBodyTemplate, data)
	if err != nil {
		t.Fatalf("Render(body) error = %v", err)
	}
	for _, want := range []string{
		"az-3: Add search",
		"Search the board by title.",
		"- internal/search.go\n- internal/search_test.go",
		"## Commits\nabc123 add search",
		"Closes #9",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if strings.HasSuffix(body, "\n") {
		t.Error("body not trimmed")
	}

	untitled, err := Render("title", DefaultTitleTemplate, TemplateData{TaskID: "az-4", Branch: "az-4"})
	if err != nil {
		t.Fatal(err)
	}
	if untitled != "az-4 (az-4)" {
		t.Errorf("untitled = %q", untitled)
	}
}

func TestRender_Errors(t *testing.T) {
	if _, err := Render("title", "{{.TaskID", TemplateData{}); err == nil || !strings.Contains(err.Error(), "parse title template") {
		t.Errorf("parse error = %v", err)
	}
	if _, err := Render("body", "{{.Nope}}", TemplateData{}); err == nil || !strings.Contains(err.Error(), "render body template") {
		t.Errorf("execute error = %v", err)
	}
}
