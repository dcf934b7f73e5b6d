// Package monitor runs one polling goroutine per active session. Each poller
// captures the session's pane, classifies it with a detect.Detector and
// reports state changes to a single handler.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/riordanpawley/azedarach/internal/errors"
	"github.com/riordanpawley/azedarach/internal/instance/detect"
	"github.com/riordanpawley/azedarach/internal/logging"
	"github.com/riordanpawley/azedarach/internal/session"
)

// Defaults for Config fields left zero.
const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultCaptureTimeout = 400 * time.Millisecond
	DefaultCaptureLines   = 100
)

// Capturer returns recent pane text for a multiplexer target.
type Capturer interface {
	CapturePane(ctx context.Context, target string, lines int) (string, error)
}

// Event reports a detected state change for one task.
type Event struct {
	TaskID string
	Old    session.State
	New    session.State
	Result detect.Result
	At     time.Time
}

// Handler consumes state-change events. Events for one task arrive in order
// from that task's poller goroutine. A handler must not call Start or Stop
// for the same task synchronously.
type Handler func(Event)

// Config holds polling configuration.
type Config struct {
	// Interval between captures.
	Interval time.Duration
	// CaptureTimeout bounds one capture; it is clamped below Interval.
	CaptureTimeout time.Duration
	// Lines of scrollback requested per capture.
	Lines int
	// Target maps a task id to its multiplexer target. Nil uses the id.
	Target func(taskID string) string
}

// DefaultConfig returns the standard polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		CaptureTimeout: DefaultCaptureTimeout,
		Lines:          DefaultCaptureLines,
	}
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.CaptureTimeout >= c.Interval {
		c.CaptureTimeout = c.Interval * 4 / 5
	}
	if c.Lines <= 0 {
		c.Lines = DefaultCaptureLines
	}
	if c.Target == nil {
		c.Target = func(taskID string) string { return taskID }
	}
	return c
}

// poller is the registry entry for one task.
type poller struct {
	taskID string
	target string
	state  session.State
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor tracks the polling goroutines. It is safe for concurrent use.
type Monitor struct {
	cfg      Config
	capturer Capturer
	detector *detect.Detector

	// startMu serializes Start/Stop so a replaced poller has exited before
	// its successor begins.
	startMu sync.Mutex

	mu      sync.RWMutex
	pollers map[string]*poller
	handler Handler
	logger  *logging.Logger

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor. A nil detector uses the default rules.
func NewMonitor(cfg Config, capturer Capturer, detector *detect.Detector) *Monitor {
	if detector == nil {
		detector = detect.NewDetector(nil)
	}
	return &Monitor{
		cfg:      cfg.normalized(),
		capturer: capturer,
		detector: detector,
		pollers:  make(map[string]*poller),
		logger:   logging.NopLogger(),
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger *logging.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logging.OrNop(logger).WithComponent("monitor")
}

// OnStateChange sets the event handler.
func (m *Monitor) OnStateChange(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Start begins polling taskID with Busy as the last known state.
func (m *Monitor) Start(taskID string) {
	m.StartFrom(taskID, session.StateBusy)
}

// StartFrom begins polling taskID with initial as the last known state. Any
// existing poller for taskID is stopped and has exited before the new one
// starts.
func (m *Monitor) StartFrom(taskID string, initial session.State) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.stopLocked(taskID)

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		taskID: taskID,
		target: m.cfg.Target(taskID),
		state:  initial,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.pollers[taskID] = p
	logger := m.logger
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, p)

	logger.Debug("started monitoring", "task_id", taskID, "target", p.target, "initial", initial.String())
}

// Stop cancels the poller for taskID and waits for it to exit. Returns
// false if taskID was not being monitored.
func (m *Monitor) Stop(taskID string) bool {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.stopLocked(taskID)
}

func (m *Monitor) stopLocked(taskID string) bool {
	m.mu.Lock()
	p, ok := m.pollers[taskID]
	if ok {
		delete(m.pollers, taskID)
	}
	logger := m.logger
	m.mu.Unlock()

	if !ok {
		return false
	}
	p.cancel()
	<-p.done
	logger.Debug("stopped monitoring", "task_id", taskID)
	return true
}

// StopAll cancels every poller and blocks until all have exited.
func (m *Monitor) StopAll() {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	all := m.pollers
	m.pollers = make(map[string]*poller)
	m.mu.Unlock()

	for _, p := range all {
		p.cancel()
	}
	m.wg.Wait()
}

// GetState returns the last detected state for taskID, or Idle when it is
// not monitored.
func (m *Monitor) GetState(taskID string) session.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pollers[taskID]; ok {
		return p.state
	}
	return session.StateIdle
}

// IsMonitoring reports whether taskID has a poller.
func (m *Monitor) IsMonitoring(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pollers[taskID]
	return ok
}

// Active returns the monitored task ids, sorted.
func (m *Monitor) Active() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pollers))
	for id := range m.pollers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of pollers.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pollers)
}

func (m *Monitor) run(ctx context.Context, p *poller) {
	defer m.wg.Done()
	defer close(p.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.poll(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one capture and classification. Capture failures are logged and
// leave the state untouched.
func (m *Monitor) poll(ctx context.Context, p *poller) {
	captureCtx, cancel := context.WithTimeout(ctx, m.cfg.CaptureTimeout)
	text, err := m.capturer.CapturePane(captureCtx, p.target, m.cfg.Lines)
	cancel()

	m.mu.RLock()
	logger := m.logger
	m.mu.RUnlock()

	if err != nil {
		if ctx.Err() == nil {
			logger.Debug("capture failed", "error", errors.NewCaptureError(p.taskID, p.target, err))
		}
		return
	}

	result := m.detector.Detect(text)

	m.mu.Lock()
	if ctx.Err() != nil || m.pollers[p.taskID] != p || result.State == p.state {
		m.mu.Unlock()
		return
	}
	old := p.state
	p.state = result.State
	handler := m.handler
	m.mu.Unlock()

	logger.Info("session state changed",
		"task_id", p.taskID,
		"old_state", old.String(),
		"new_state", result.State.String(),
		"rule", result.Rule,
		"confidence", result.Confidence)

	if handler != nil {
		handler(Event{TaskID: p.taskID, Old: old, New: result.State, Result: result, At: time.Now()})
	}
}
