// Package detect maps captured terminal output of a coding-agent session to
// a discrete session state using a priority-ordered table of pattern rules.
//
// The rule table is built once (DefaultRules, optionally extended with
// CompileRules) and injected into a Detector; it is never mutated afterwards.
package detect

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/riordanpawley/azedarach/internal/session"
)

// Rule priorities. Higher wins; Error must outrank Done so a failure is never
// reported as success.
const (
	PriorityError   = 100
	PriorityWaiting = 90
	PriorityDone    = 80
	PriorityBusy    = 60
)

// Rule is an immutable (state, pattern, priority) triple.
type Rule struct {
	Name     string
	State    session.State
	Pattern  *regexp.Regexp
	Priority int
}

// PatternSpec is the uncompiled form of a Rule, as read from configuration.
type PatternSpec struct {
	Name     string
	State    string
	Pattern  string
	Priority int
}

var (
	errorPatterns = []string{
		`(?i)^\s*error:`,
		`(?i)^\s*(?:fatal|panic):`,
		`(?i)(?:build|test|tests|compilation) failed`,
		`(?i)(?:rate limit|quota) (?:exceeded|reached)`,
		`(?i)claude (?:exited|terminated|crashed|died)`,
		`(?i)(?:api|request) error.*(?:401|403|429|500|502|503|529)`,
		`^Traceback \(most recent call last\)`,
		`(?i)command not found`,
	}

	waitingPatterns = []string{
		`(?i)\[y(?:es)?/n(?:o)?\]`,
		`(?i)\(y(?:es)?/n(?:o)?\)`,
		`(?i)do you want (?:me )?to (?:proceed|continue|run|execute|apply|make|create)`,
		`(?i)(?:shall|should|may) I (?:proceed|continue|go ahead)`,
		`(?i)waiting for (?:your )?(?:input|response|approval|confirmation)`,
		`(?i)press (?:y|enter) to (?:confirm|continue|proceed)`,
		`(?i)would you like (?:me )?to`,
		`❯\s*\d+\.\s*Yes`,
	}

	donePatterns = []string{
		`(?i)task (?:completed|complete|finished)`,
		`(?i)successfully completed`,
		`(?i)\ball (?:done|tasks complete)\b`,
		`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`,
	}

	busyPatterns = []string{
		`(?i)(?:reading|writing|editing|creating|modifying|analyzing|searching|running|executing|building|compiling|testing)\.{3}`,
		`(?i)(?:working on|processing|loading|fetching|thinking)`,
		`⠋|⠙|⠹|⠸|⠼|⠴|⠦|⠧|⠇|⠏`,
		`(?i)esc to interrupt`,
	}
)

// DefaultRules returns the built-in rule table, ordered by descending priority.
func DefaultRules() []Rule {
	var rules []Rule
	add := func(state session.State, priority int, patterns []string) {
		for i, p := range patterns {
			rules = append(rules, Rule{
				Name:     fmt.Sprintf("%s-%d", state, i),
				State:    state,
				Pattern:  regexp.MustCompile(p),
				Priority: priority,
			})
		}
	}
	add(session.StateError, PriorityError, errorPatterns)
	add(session.StateWaiting, PriorityWaiting, waitingPatterns)
	add(session.StateDone, PriorityDone, donePatterns)
	add(session.StateBusy, PriorityBusy, busyPatterns)
	return rules
}

// DefaultPriority returns the built-in priority for a state, or 0 for states
// that no rule may produce.
func DefaultPriority(state session.State) int {
	switch state {
	case session.StateError:
		return PriorityError
	case session.StateWaiting:
		return PriorityWaiting
	case session.StateDone:
		return PriorityDone
	case session.StateBusy:
		return PriorityBusy
	}
	return 0
}

// CompileRules compiles configured pattern specs. A zero Priority takes the
// state's default. Only busy, waiting, done and error may be targeted.
func CompileRules(specs []PatternSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		state, err := session.ParseState(spec.State)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		prio := spec.Priority
		if prio == 0 {
			prio = DefaultPriority(state)
		}
		if DefaultPriority(state) == 0 {
			return nil, fmt.Errorf("pattern %d: state %q cannot be detected", i, state)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%q): %w", i, spec.Pattern, err)
		}
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("custom-%s-%d", state, i)
		}
		rules = append(rules, Rule{Name: name, State: state, Pattern: re, Priority: prio})
	}
	return rules, nil
}

// sortRules orders rules by descending priority, stable within a priority.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
