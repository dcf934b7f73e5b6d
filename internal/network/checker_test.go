package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDialer struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (f *fakeDialer) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func newTestChecker(cfg Config, d *fakeDialer) (*Checker, *time.Time) {
	c := NewChecker(cfg)
	c.dial = d.dial
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestChecker_ForcedOfflineWins(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestChecker(Config{Offline: true}, d)

	if c.Online(context.Background()) {
		t.Error("Online() = true while forced offline")
	}
	if d.calls.Load() != 0 {
		t.Error("probe ran while forced offline")
	}

	c.SetOffline(false)
	if !c.Online(context.Background()) {
		t.Error("Online() = false after clearing forced offline")
	}
	if c.ForcedOffline() {
		t.Error("ForcedOffline() = true")
	}
}

func TestChecker_CachesProbe(t *testing.T) {
	d := &fakeDialer{}
	c, now := newTestChecker(Config{CacheTTL: time.Minute}, d)
	ctx := context.Background()

	if !c.Online(ctx) {
		t.Fatal("Online() = false, want true")
	}
	d.fail.Store(true)
	if !c.Online(ctx) {
		t.Error("cached result not used")
	}
	if d.calls.Load() != 1 {
		t.Errorf("dial calls = %d, want 1", d.calls.Load())
	}

	*now = now.Add(2 * time.Minute)
	if c.Online(ctx) {
		t.Error("Online() = true after expiry with failing probe")
	}

	d.fail.Store(false)
	c.Invalidate()
	if !c.Online(ctx) {
		t.Error("Online() = false after Invalidate with working probe")
	}
}

func TestChecker_ProbeDisabled(t *testing.T) {
	d := &fakeDialer{}
	d.fail.Store(true)
	c, _ := newTestChecker(Config{ProbeAddress: "-"}, d)
	if !c.Online(context.Background()) {
		t.Error("Online() = false with probing disabled")
	}
	if d.calls.Load() != 0 {
		t.Error("dial called with probing disabled")
	}
}

func TestChecker_ConcurrentCallersShareProbe(t *testing.T) {
	d := &fakeDialer{delay: 20 * time.Millisecond}
	c, _ := newTestChecker(Config{}, d)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Online(context.Background())
		}()
	}
	wg.Wait()
	if got := d.calls.Load(); got > 2 {
		t.Errorf("dial calls = %d, want probes collapsed", got)
	}
}
