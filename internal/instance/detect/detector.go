package detect

import (
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/riordanpawley/azedarach/internal/session"
)

// DefaultWindow is the number of trailing lines that influence detection.
const DefaultWindow = 100

// Result is the outcome of one detection pass.
type Result struct {
	State session.State
	// Matched is false when no rule matched (Busy or Idle fallback).
	Matched bool
	// Rule is the name of the winning rule.
	Rule string
	// Line is the matched line with escape sequences stripped.
	Line string
	// LineIndex is the index of Line within the retained window.
	LineIndex int
	Priority  int
	// Confidence is observability metadata in [0,1]; it never changes State.
	Confidence float64
}

// Detector is a pure function from captured text to session state.
// It is safe for concurrent use; its rule table is read-only.
type Detector struct {
	rules  []Rule
	window int
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow overrides the number of retained lines.
func WithWindow(lines int) Option {
	return func(d *Detector) {
		if lines > 0 {
			d.window = lines
		}
	}
}

// NewDetector builds a Detector over a private copy of rules. A nil rules
// slice selects DefaultRules.
func NewDetector(rules []Rule, opts ...Option) *Detector {
	if rules == nil {
		rules = DefaultRules()
	}
	own := make([]Rule, len(rules))
	copy(own, rules)
	sortRules(own)

	d := &Detector{rules: own, window: DefaultWindow}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rules returns a copy of the detector's rule table.
func (d *Detector) Rules() []Rule {
	out := make([]Rule, len(d.rules))
	copy(out, d.rules)
	return out
}

// Detect classifies text. Only the last window lines are considered. The
// highest-priority matching rule wins; on a priority tie the match on the
// more recent line wins. Non-empty text with no match is Busy; empty or
// whitespace-only text is Idle.
func (d *Detector) Detect(text string) Result {
	lines := d.retain(text)
	if len(lines) == 0 {
		return Result{State: session.StateIdle, LineIndex: -1, Confidence: 1}
	}

	best := Result{State: session.StateBusy, LineIndex: -1}
	// Newest line first: a later match only replaces the current best when
	// strictly higher priority, so ties resolve to the most recent line.
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, rule := range d.rules {
			if best.Matched && rule.Priority <= best.Priority {
				// Rules are sorted; nothing further on this line can win.
				break
			}
			if rule.Pattern.MatchString(line) {
				best = Result{
					State:     rule.State,
					Matched:   true,
					Rule:      rule.Name,
					Line:      line,
					LineIndex: i,
					Priority:  rule.Priority,
				}
				break
			}
		}
		if best.Matched && best.Priority >= d.maxPriority() {
			break
		}
	}

	best.Confidence = confidence(best, len(lines))
	return best
}

// retain strips escape sequences and returns the trailing window of lines.
// Returns nil when the text is empty or whitespace-only.
func (d *Detector) retain(text string) []string {
	text = ansi.Strip(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimRight(text, " \t\r\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > d.window {
		lines = lines[len(lines)-d.window:]
	}
	return lines
}

func (d *Detector) maxPriority() int {
	if len(d.rules) == 0 {
		return 0
	}
	return d.rules[0].Priority
}

// confidence weighs rule priority by how close to the end of the window the
// match sits. Unmatched fallbacks get a fixed low score.
func confidence(r Result, n int) float64 {
	if !r.Matched {
		if r.State == session.StateIdle {
			return 1
		}
		return 0.3
	}
	recency := 1.0
	if n > 1 {
		recency = 0.5 + 0.5*float64(r.LineIndex)/float64(n-1)
	}
	c := float64(r.Priority) / float64(PriorityError) * recency
	if c > 1 {
		c = 1
	}
	return c
}

// Classify is a convenience wrapper returning only the state.
func (d *Detector) Classify(text string) session.State {
	return d.Detect(text).State
}
