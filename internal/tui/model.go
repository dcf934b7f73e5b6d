package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/riordanpawley/azedarach/internal/event"
	"github.com/riordanpawley/azedarach/internal/session"
)

// maxLogLines bounds the event log kept in memory.
const maxLogLines = 200

// refreshInterval is how often uptimes are redrawn without events.
const refreshInterval = time.Second

// Source supplies the session list rendered by the model.
type Source interface {
	Sessions() []*session.Session
}

// Messages

type eventMsg struct{ event event.Event }
type refreshMsg time.Time
type statusMsg string

// Model is the bubbletea model for the live session view.
type Model struct {
	source   Source
	sessions []*session.Session
	log      []string
	status   string
	spinner  spinner.Model
	width    int
	height   int
	now      func() time.Time
	quitting bool
}

// NewModel creates a model reading sessions from source.
func NewModel(source Source) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = Title
	return Model{
		source:   source,
		sessions: source.Sessions(),
		spinner:  sp,
		now:      time.Now,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, refresh())
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case eventMsg:
		line := fmt.Sprintf("%s %s", msg.event.Timestamp().Format("15:04:05"), Describe(msg.event))
		m.log = append(m.log, line)
		if len(m.log) > maxLogLines {
			m.log = m.log[len(m.log)-maxLogLines:]
		}
		m.sessions = m.source.Sessions()
		return m, nil

	case statusMsg:
		m.status = string(msg)
		return m, nil

	case refreshMsg:
		m.sessions = m.source.Sessions()
		return m, refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := "azedarach"
	if m.busy() {
		title = m.spinner.View() + " " + title
	}
	b.WriteString(Header.Render(title))
	b.WriteString("\n")
	b.WriteString(RenderTable(m.sessions, nil, m.now(), false))
	b.WriteString("\n\n")

	b.WriteString(Title.Render("Events"))
	b.WriteString("\n")
	lines := m.visibleLog()
	if len(lines) == 0 {
		b.WriteString(Muted.Render("waiting for events..."))
	} else {
		b.WriteString(strings.Join(lines, "\n"))
	}

	help := "q quit"
	if m.status != "" {
		help = m.status + "  " + help
	}
	b.WriteString("\n")
	b.WriteString(HelpBar.Render(help))
	return b.String()
}

func (m Model) busy() bool {
	for _, s := range m.sessions {
		if s.State == session.StateBusy || s.State == session.StateInitializing {
			return true
		}
	}
	return false
}

// visibleLog returns the tail of the event log that fits the window.
func (m Model) visibleLog() []string {
	// header(3) + table header + rows + blank + events title + help(2)
	room := len(m.log)
	if m.height > 0 {
		room = m.height - len(m.sessions) - 9
		if room < 3 {
			room = 3
		}
	}
	if room >= len(m.log) {
		return m.log
	}
	return m.log[len(m.log)-room:]
}
