// Package tui renders the live session view used by the watch command. It
// is a thin consumer of the orchestrator's event stream: every key binding
// that mutates sessions belongs to the CLI commands, not this view.
package tui

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/riordanpawley/azedarach/internal/event"
)

// eventBuffer is the stream buffer between the bus and the program.
const eventBuffer = 64

// App wraps the bubbletea program.
type App struct {
	model Model
	bus   *event.Bus

	mu      sync.Mutex
	program *tea.Program
}

// New creates an application rendering source and following bus.
func New(source Source, bus *event.Bus) *App {
	return &App{
		model: NewModel(source),
		bus:   bus,
	}
}

// Notify shows a transient status message in the help bar.
func (a *App) Notify(text string) {
	a.mu.Lock()
	p := a.program
	a.mu.Unlock()
	if p != nil {
		p.Send(statusMsg(text))
	}
}

// Run starts the program and blocks until the user quits, ctx is cancelled
// or the process receives a termination signal.
func (a *App) Run(ctx context.Context) error {
	p := tea.NewProgram(a.model, tea.WithAltScreen(), tea.WithContext(ctx))
	a.mu.Lock()
	a.program = p
	a.mu.Unlock()

	events, unsubscribe := a.bus.Stream(eventBuffer)
	defer unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case e := <-events:
				p.Send(eventMsg{event: e})
			case <-sigChan:
				p.Send(tea.Quit())
			case <-done:
				return
			}
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
