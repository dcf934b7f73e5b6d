package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/session"
)

// Column widths for the session table.
const (
	colTask    = 14
	colTitle   = 30
	colState   = 14
	colBranch  = 24
	colSession = 20
	colUptime  = 10
	colDev     = 10
)

// RenderTable renders one row per session. A TITLE column is shown when
// titles has entries. States are colored unless plain is set.
func RenderTable(sessions []*session.Session, titles map[string]string, now time.Time, plain bool) string {
	if len(sessions) == 0 {
		return Muted.Render("No sessions")
	}
	withTitle := len(titles) > 0
	lead := func(style lipgloss.Style, task, title string) []string {
		cells := []string{style.Width(colTask).Render(task)}
		if withTitle {
			cells = append(cells, style.Width(colTitle).Render(title))
		}
		return cells
	}

	var b strings.Builder
	b.WriteString(row(append(lead(HeaderCell, "TASK", "TITLE"),
		HeaderCell.Width(colState).Render("STATE"),
		HeaderCell.Width(colBranch).Render("BRANCH"),
		HeaderCell.Width(colSession).Render("SESSION"),
		HeaderCell.Width(colUptime).Render("UPTIME"),
		HeaderCell.Width(colDev).Render("DEV"),
		HeaderCell.Render("LAST ERROR"),
	)...))
	for _, s := range sessions {
		state := s.State.String()
		if !plain {
			state = StateText(s.State)
		}
		b.WriteByte('\n')
		title := titles[s.TaskID]
		if title == "" {
			title = "-"
		}
		b.WriteString(row(append(lead(Cell, truncate(s.TaskID, colTask-2), truncate(title, colTitle-2)),
			Cell.Width(colState).Render(state),
			Cell.Width(colBranch).Render(truncate(s.Branch, colBranch-2)),
			Cell.Width(colSession).Render(truncate(s.TmuxSession, colSession-2)),
			Cell.Width(colUptime).Render(FormatUptime(s.Uptime(now))),
			Cell.Width(colDev).Render(devLabel(s.DevServer)),
			Error.Render(truncate(s.LastError, 60)),
		)...))
	}
	return b.String()
}

func row(cells ...string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
}

// FormatUptime renders d as a compact duration, or "-" when zero.
func FormatUptime(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func devLabel(ds *session.DevServer) string {
	if ds == nil || !ds.Running {
		return "-"
	}
	return fmt.Sprintf(":%d", ds.Port)
}

// truncate shortens s to width columns, keeping escape sequences intact.
func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}

// Describe renders an event as a single human-readable line.
func Describe(e event.Event) string {
	switch ev := e.(type) {
	case event.StateChangedEvent:
		return fmt.Sprintf("%s: %s -> %s (%s)", ev.TaskID, ev.Old, ev.New, ev.Source)
	case event.SessionStartedEvent:
		if ev.Reused {
			return fmt.Sprintf("%s: reattached to %s", ev.TaskID, ev.Session)
		}
		return fmt.Sprintf("%s: started in %s", ev.TaskID, ev.WorkspacePath)
	case event.SessionStoppedEvent:
		if ev.Cleanup {
			return fmt.Sprintf("%s: cleaned up", ev.TaskID)
		}
		return fmt.Sprintf("%s: stopped", ev.TaskID)
	case event.CommandFailedEvent:
		return fmt.Sprintf("%s: %s failed: %s", ev.TaskID, ev.Command, ev.Message)
	case event.ConflictDetectedEvent:
		msg := fmt.Sprintf("%s: %s blocked by conflicts in %s", ev.TaskID, ev.Op, strings.Join(ev.ConflictFiles, ", "))
		if ev.Delegated {
			msg += " (delegated to agent)"
		}
		return msg
	case event.MergeCompletedEvent:
		if ev.Op == "update" {
			return fmt.Sprintf("%s: updated from %s", ev.TaskID, ev.Base)
		}
		msg := fmt.Sprintf("%s: merged %s into %s", ev.TaskID, ev.Branch, ev.Base)
		if ev.Pushed {
			msg += " and pushed"
		}
		return msg
	case event.PRCreatedEvent:
		if ev.Draft {
			return fmt.Sprintf("%s: draft PR %s", ev.TaskID, ev.URL)
		}
		return fmt.Sprintf("%s: PR %s", ev.TaskID, ev.URL)
	case event.DevServerEvent:
		if ev.Running {
			return fmt.Sprintf("%s: dev server on port %d", ev.TaskID, ev.Port)
		}
		return fmt.Sprintf("%s: dev server stopped", ev.TaskID)
	default:
		return e.EventType()
	}
}
