package monitor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riordanpawley/azedarach/internal/session"
)

// fakeCapturer returns scripted pane text per target.
type fakeCapturer struct {
	mu       sync.Mutex
	text     map[string]string
	err      map[string]error
	inflight map[string]int
	maxPar   map[string]int
	calls    atomic.Int64
	block    time.Duration
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{
		text:     map[string]string{},
		err:      map[string]error{},
		inflight: map[string]int{},
		maxPar:   map[string]int{},
	}
}

func (f *fakeCapturer) set(target, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text[target] = text
	delete(f.err, target)
}

func (f *fakeCapturer) fail(target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err[target] = err
}

func (f *fakeCapturer) CapturePane(ctx context.Context, target string, _ int) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.inflight[target]++
	if f.inflight[target] > f.maxPar[target] {
		f.maxPar[target] = f.inflight[target]
	}
	text, err, block := f.text[target], f.err[target], f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[target]--
		f.mu.Unlock()
	}()

	if block > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(block):
		}
	}
	return text, err
}

func (f *fakeCapturer) maxParallel(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPar[target]
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func fastConfig() Config {
	return Config{Interval: 10 * time.Millisecond, CaptureTimeout: 5 * time.Millisecond, Lines: 100}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConfig_Normalized(t *testing.T) {
	tests := []struct {
		name        string
		in          Config
		wantIntv    time.Duration
		wantTimeout time.Duration
		wantLines   int
	}{
		{"zero uses defaults", Config{}, DefaultInterval, DefaultCaptureTimeout, DefaultCaptureLines},
		{"timeout clamped below interval", Config{Interval: 100 * time.Millisecond, CaptureTimeout: time.Second}, 100 * time.Millisecond, 80 * time.Millisecond, DefaultCaptureLines},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.normalized()
			if got.Interval != tt.wantIntv || got.CaptureTimeout != tt.wantTimeout || got.Lines != tt.wantLines {
				t.Errorf("normalized() = %v/%v/%d, want %v/%v/%d",
					got.Interval, got.CaptureTimeout, got.Lines, tt.wantIntv, tt.wantTimeout, tt.wantLines)
			}
			if got.Target("x") != "x" {
				t.Error("default Target should be identity")
			}
		})
	}
}

func TestMonitor_EmitsOnChangeOnly(t *testing.T) {
	cap := newFakeCapturer()
	cap.set("az-1", "Reading files...")
	m := NewMonitor(fastConfig(), cap, nil)
	rec := &recorder{}
	m.OnStateChange(rec.handle)
	defer m.StopAll()

	m.Start("az-1")
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("events while Busy = %d, want 0", got)
	}

	cap.set("az-1", "Do you want to proceed? [y/n]")
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	time.Sleep(40 * time.Millisecond)

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.TaskID != "az-1" || e.Old != session.StateBusy || e.New != session.StateWaiting {
		t.Errorf("event = %+v, want az-1 busy->waiting", e)
	}
	if got := m.GetState("az-1"); got != session.StateWaiting {
		t.Errorf("GetState() = %v, want waiting", got)
	}
}

func TestMonitor_EventsInOrder(t *testing.T) {
	cap := newFakeCapturer()
	m := NewMonitor(fastConfig(), cap, nil)
	rec := &recorder{}
	m.OnStateChange(rec.handle)
	defer m.StopAll()

	cap.set("az-1", "Thinking...")
	m.Start("az-1")
	for _, text := range []string{"Continue? (y/n)", "Task completed", "Error: build failed"} {
		cap.set("az-1", text)
		n := len(rec.snapshot()) + 1
		waitFor(t, time.Second, func() bool { return len(rec.snapshot()) >= n })
	}

	events := rec.snapshot()
	want := []session.State{session.StateWaiting, session.StateDone, session.StateError}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.New != want[i] {
			t.Errorf("event[%d].New = %v, want %v", i, e.New, want[i])
		}
		if i > 0 && e.Old != events[i-1].New {
			t.Errorf("event[%d].Old = %v, want %v", i, e.Old, events[i-1].New)
		}
	}
}

func TestMonitor_CaptureErrorsDoNotChangeState(t *testing.T) {
	cap := newFakeCapturer()
	cap.fail("az-1", errors.New("can't find session: az-1"))
	m := NewMonitor(fastConfig(), cap, nil)
	rec := &recorder{}
	m.OnStateChange(rec.handle)
	defer m.StopAll()

	m.Start("az-1")
	waitFor(t, time.Second, func() bool { return cap.calls.Load() >= 3 })

	if len(rec.snapshot()) != 0 {
		t.Errorf("events after capture failures = %v, want none", rec.snapshot())
	}
	if got := m.GetState("az-1"); got != session.StateBusy {
		t.Errorf("GetState() = %v, want busy", got)
	}
	if !m.IsMonitoring("az-1") {
		t.Error("poller exited after capture failure")
	}
}

func TestMonitor_StartTwiceLeavesOnePoller(t *testing.T) {
	cap := newFakeCapturer()
	cap.set("az-1", "working")
	cap.block = 2 * time.Millisecond
	m := NewMonitor(fastConfig(), cap, nil)
	defer m.StopAll()

	m.Start("az-1")
	m.Start("az-1")

	if got := m.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	time.Sleep(60 * time.Millisecond)
	if got := cap.maxParallel("az-1"); got > 1 {
		t.Errorf("concurrent captures for az-1 = %d, want at most 1", got)
	}
}

func TestMonitor_ConcurrentStart(t *testing.T) {
	cap := newFakeCapturer()
	m := NewMonitor(fastConfig(), cap, nil)
	defer m.StopAll()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Start("az-1")
		}()
	}
	wg.Wait()
	if got := m.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestMonitor_Stop(t *testing.T) {
	cap := newFakeCapturer()
	m := NewMonitor(fastConfig(), cap, nil)
	defer m.StopAll()

	m.Start("az-1")
	m.Start("az-2")
	if !m.Stop("az-1") {
		t.Error("Stop(az-1) = false, want true")
	}
	if m.Stop("az-1") {
		t.Error("second Stop(az-1) = true, want false")
	}
	if m.IsMonitoring("az-1") {
		t.Error("az-1 still monitored")
	}
	if got := m.GetState("az-1"); got != session.StateIdle {
		t.Errorf("GetState(stopped) = %v, want idle", got)
	}
	if got := m.Active(); len(got) != 1 || got[0] != "az-2" {
		t.Errorf("Active() = %v, want [az-2]", got)
	}
}

func TestMonitor_StopDuringBlockedCapture(t *testing.T) {
	cap := newFakeCapturer()
	cap.block = time.Hour
	cfg := Config{Interval: 50 * time.Millisecond, CaptureTimeout: 40 * time.Millisecond}
	m := NewMonitor(cfg, cap, nil)

	m.Start("az-1")
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	m.Stop("az-1")
	if elapsed := time.Since(start); elapsed > cfg.Interval {
		t.Errorf("Stop took %v, want within one interval (%v)", elapsed, cfg.Interval)
	}
}

func TestMonitor_StopAllLeavesNoGoroutines(t *testing.T) {
	cap := newFakeCapturer()
	m := NewMonitor(fastConfig(), cap, nil)
	before := runtime.NumGoroutine()

	for round := 0; round < 5; round++ {
		for _, id := range []string{"a", "b", "c", "d"} {
			m.Start(id)
		}
		m.StopAll()
		if got := m.Count(); got != 0 {
			t.Fatalf("round %d: Count() = %d after StopAll", round, got)
		}
	}

	waitFor(t, time.Second, func() bool { return runtime.NumGoroutine() <= before })
}

func TestMonitor_StartFromAndTarget(t *testing.T) {
	cap := newFakeCapturer()
	cfg := fastConfig()
	cfg.Target = func(id string) string { return "az-" + id }
	cap.set("az-7", "Task completed")
	m := NewMonitor(cfg, cap, nil)
	rec := &recorder{}
	m.OnStateChange(rec.handle)
	defer m.StopAll()

	m.StartFrom("7", session.StateDone)
	time.Sleep(40 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Errorf("events = %d, want 0 when initial state already matches", n)
	}
	if got := m.GetState("7"); got != session.StateDone {
		t.Errorf("GetState() = %v, want done", got)
	}
}

func TestMonitor_IsolatesTasks(t *testing.T) {
	cap := newFakeCapturer()
	cap.fail("bad", errors.New("boom"))
	cap.set("good", "Do you want to proceed?")
	m := NewMonitor(fastConfig(), cap, nil)
	rec := &recorder{}
	m.OnStateChange(rec.handle)
	defer m.StopAll()

	m.Start("bad")
	m.Start("good")
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	if e := rec.snapshot()[0]; e.TaskID != "good" || e.New != session.StateWaiting {
		t.Errorf("event = %+v, want good -> waiting", e)
	}
}
