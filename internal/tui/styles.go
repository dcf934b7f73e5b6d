package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/riordanpawley/azedarach/internal/session"
)

var (
	// Colors meet WCAG AA contrast on dark terminals.
	PrimaryColor = lipgloss.Color("#A78BFA") // Purple
	WarningColor = lipgloss.Color("#F59E0B") // Amber
	ErrorColor   = lipgloss.Color("#F87171") // Red
	MutedColor   = lipgloss.Color("#9CA3AF") // Gray
	TextColor    = lipgloss.Color("#F9FAFB")
	BorderColor  = lipgloss.Color("#6B7280")

	StatusIdle         = lipgloss.Color("#9CA3AF") // Gray
	StatusInitializing = lipgloss.Color("#60A5FA") // Blue
	StatusBusy         = lipgloss.Color("#10B981") // Green
	StatusWaiting      = lipgloss.Color("#F59E0B") // Amber
	StatusPaused       = lipgloss.Color("#60A5FA") // Blue
	StatusDone         = lipgloss.Color("#A78BFA") // Purple
	StatusError        = lipgloss.Color("#F87171") // Red

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Muted = lipgloss.NewStyle().Foreground(MutedColor)
	Error = lipgloss.NewStyle().Foreground(ErrorColor)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor).
		MarginBottom(1)

	Cell = lipgloss.NewStyle().PaddingRight(2)

	HeaderCell = Cell.
			Bold(true).
			Foreground(MutedColor)

	StatusBadge = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	HelpBar = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)
)

// StateColor returns the color used for a session state.
func StateColor(s session.State) lipgloss.Color {
	switch s {
	case session.StateInitializing:
		return StatusInitializing
	case session.StateBusy:
		return StatusBusy
	case session.StateWaiting:
		return StatusWaiting
	case session.StatePaused:
		return StatusPaused
	case session.StateDone:
		return StatusDone
	case session.StateError:
		return StatusError
	default:
		return StatusIdle
	}
}

// StateBadge renders a state name on its state color.
func StateBadge(s session.State) string {
	return StatusBadge.
		Foreground(TextColor).
		Background(StateColor(s)).
		Render(s.String())
}

// StateText renders a state name in its state color without a background.
func StateText(s session.State) string {
	return lipgloss.NewStyle().Foreground(StateColor(s)).Render(s.String())
}
