package detect

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/riordanpawley/azedarach/internal/session"
)

func TestDetect_Scenarios(t *testing.T) {
	d := NewDetector(nil)

	tests := []struct {
		name string
		text string
		want session.State
	}{
		{"empty", "", session.StateIdle},
		{"whitespace only", "  \n\t\n   \r\n", session.StateIdle},
		{"unmatched text is busy", "hello world\nsome output", session.StateBusy},
		{"yes/no prompt", "Processing files...\nDo you want to continue? [y/n]", session.StateWaiting},
		{"error beats done", "Task completed\nError: build failed", session.StateError},
		{"error before done still wins", "Error: build failed\nTask completed", session.StateError},
		{"error beats waiting", "Error: build failed\nDo you want to proceed? (y/n)", session.StateError},
		{"done", "Writing tests...\nTask completed successfully", session.StateDone},
		{"pr url is done", "Opened https://github.com/acme/widgets/pull/42", session.StateDone},
		{"busy spinner", "⠋ Thinking", session.StateBusy},
		{"waiting beats busy", "Do you want me to proceed?\nReading...", session.StateWaiting},
		{"ansi stripped", "\x1b[31mError:\x1b[0m compile failed", session.StateError},
		{"crlf", "step one\r\nshall I proceed?\r\n", session.StateWaiting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Detect(tt.text).State; got != tt.want {
				t.Errorf("Detect(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetect_OnlyLastWindowLines(t *testing.T) {
	d := NewDetector(nil)

	lines := make([]string, 150)
	lines[0] = "Error: something broke long ago"
	for i := 1; i < len(lines); i++ {
		lines[i] = fmt.Sprintf("output line %d", i)
	}
	text := strings.Join(lines, "\n")

	if got := d.Detect(text).State; got != session.StateBusy {
		t.Errorf("Detect() = %v, want busy (error outside window)", got)
	}

	// Move the error into the window: line 50 of 150 is the first retained line.
	lines[50] = "Error: now visible"
	if got := d.Detect(strings.Join(lines, "\n")).State; got != session.StateError {
		t.Errorf("Detect() = %v, want error (error at window edge)", got)
	}
}

func TestDetect_WithWindow(t *testing.T) {
	d := NewDetector(nil, WithWindow(2))
	text := "Error: old\nline a\nline b"
	if got := d.Detect(text).State; got != session.StateBusy {
		t.Errorf("Detect() = %v, want busy", got)
	}
}

func TestDetect_TieBreakPrefersRecentLine(t *testing.T) {
	d := NewDetector(nil)
	res := d.Detect("Error: first\nmiddle\nfatal: second")

	if res.State != session.StateError {
		t.Fatalf("State = %v, want error", res.State)
	}
	if res.Line != "fatal: second" {
		t.Errorf("Line = %q, want most recent match %q", res.Line, "fatal: second")
	}
	if res.LineIndex != 2 {
		t.Errorf("LineIndex = %d, want 2", res.LineIndex)
	}
}

func TestDetect_ResultMetadata(t *testing.T) {
	d := NewDetector(nil)

	res := d.Detect("Processing files...\nDo you want to continue? [y/n]")
	if !res.Matched {
		t.Fatal("Matched = false, want true")
	}
	if res.Priority != PriorityWaiting {
		t.Errorf("Priority = %d, want %d", res.Priority, PriorityWaiting)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Errorf("Confidence = %v, want (0,1]", res.Confidence)
	}

	fallback := d.Detect("nothing interesting")
	if fallback.Matched {
		t.Error("fallback Matched = true, want false")
	}
	if fallback.Confidence >= res.Confidence {
		t.Errorf("fallback confidence %v should be below matched %v", fallback.Confidence, res.Confidence)
	}
}

func TestDetect_ConfidenceNeverChangesState(t *testing.T) {
	d := NewDetector(nil)
	// An old error with low recency still wins over a fresh done line.
	text := "Error: early failure\n" + strings.Repeat("log\n", 90) + "Task completed"
	res := d.Detect(text)
	if res.State != session.StateError {
		t.Errorf("State = %v, want error", res.State)
	}
}

func TestNewDetector_CopiesRules(t *testing.T) {
	rules := []Rule{{Name: "x", State: session.StateDone, Pattern: regexp.MustCompile("ship it"), Priority: PriorityDone}}
	d := NewDetector(rules)
	rules[0].Pattern = regexp.MustCompile("never")

	if got := d.Detect("ship it").State; got != session.StateDone {
		t.Errorf("Detect() = %v, want done (rule table must be copied)", got)
	}
}

func TestDefaultRules_SortedAndCompiled(t *testing.T) {
	d := NewDetector(nil)
	rules := d.Rules()
	if len(rules) == 0 {
		t.Fatal("no default rules")
	}
	for i := 1; i < len(rules); i++ {
		if rules[i].Priority > rules[i-1].Priority {
			t.Fatalf("rules not sorted at %d: %d > %d", i, rules[i].Priority, rules[i-1].Priority)
		}
	}
	for _, r := range rules {
		if r.Pattern == nil {
			t.Errorf("rule %s has nil pattern", r.Name)
		}
	}
}

func TestCompileRules(t *testing.T) {
	t.Run("default priority", func(t *testing.T) {
		rules, err := CompileRules([]PatternSpec{{State: "waiting", Pattern: `(?i)approve\?`}})
		if err != nil {
			t.Fatalf("CompileRules() error = %v", err)
		}
		if rules[0].Priority != PriorityWaiting {
			t.Errorf("Priority = %d, want %d", rules[0].Priority, PriorityWaiting)
		}
		if rules[0].Name == "" {
			t.Error("Name not defaulted")
		}
	})

	t.Run("custom rule joins defaults", func(t *testing.T) {
		extra, err := CompileRules([]PatternSpec{{Name: "deploy", State: "done", Pattern: `deployed to prod`}})
		if err != nil {
			t.Fatal(err)
		}
		d := NewDetector(append(DefaultRules(), extra...))
		if got := d.Detect("deployed to prod").State; got != session.StateDone {
			t.Errorf("Detect() = %v, want done", got)
		}
	})

	errCases := []struct {
		name string
		spec PatternSpec
	}{
		{"bad state", PatternSpec{State: "sleeping", Pattern: "x"}},
		{"undetectable state", PatternSpec{State: "paused", Pattern: "x"}},
		{"bad regexp", PatternSpec{State: "error", Pattern: "("}},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompileRules([]PatternSpec{tt.spec}); err == nil {
				t.Error("CompileRules() error = nil, want error")
			}
		})
	}
}

func TestDetect_ConcurrentUse(t *testing.T) {
	d := NewDetector(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if got := d.Classify("Task completed\nError: build failed"); got != session.StateError {
					t.Errorf("Classify() = %v, want error", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
