// Package network answers whether network-touching git and PR steps should
// run. A user-forced offline flag always wins; otherwise a TCP probe result is
// cached for a short period.
package network

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Defaults for Config fields left zero.
const (
	DefaultProbeAddress = "github.com:443"
	DefaultTimeout      = 2 * time.Second
	DefaultCacheTTL     = 30 * time.Second
)

// Config configures a Checker.
type Config struct {
	// Offline forces every check to report offline.
	Offline bool
	// ProbeAddress is dialed to test connectivity. "-" disables probing and
	// reports online unless forced offline.
	ProbeAddress string
	Timeout      time.Duration
	CacheTTL     time.Duration
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Checker is safe for concurrent use.
type Checker struct {
	cfg  Config
	dial DialFunc
	now  func() time.Time

	mu        sync.Mutex
	forced    bool
	checkedAt time.Time
	online    bool

	group singleflight.Group
}

// NewChecker creates a Checker using a real dialer.
func NewChecker(cfg Config) *Checker {
	if cfg.ProbeAddress == "" {
		cfg.ProbeAddress = DefaultProbeAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	d := &net.Dialer{}
	return &Checker{
		cfg:    cfg,
		dial:   d.DialContext,
		now:    time.Now,
		forced: cfg.Offline,
	}
}

// SetOffline forces (or clears) offline mode.
func (c *Checker) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = offline
}

// ForcedOffline reports whether offline mode is forced.
func (c *Checker) ForcedOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

// Online reports whether network steps may run. Concurrent callers share one
// probe.
func (c *Checker) Online(ctx context.Context) bool {
	c.mu.Lock()
	if c.forced {
		c.mu.Unlock()
		return false
	}
	if c.cfg.ProbeAddress == "-" {
		c.mu.Unlock()
		return true
	}
	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.cfg.CacheTTL {
		online := c.online
		c.mu.Unlock()
		return online
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("probe", func() (any, error) {
		return c.probe(ctx), nil
	})
	return v.(bool)
}

// Invalidate drops the cached probe result.
func (c *Checker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkedAt = time.Time{}
}

func (c *Checker) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	online := false
	if conn, err := c.dial(ctx, "tcp", c.cfg.ProbeAddress); err == nil {
		_ = conn.Close()
		online = true
	}

	c.mu.Lock()
	c.online = online
	c.checkedAt = c.now()
	c.mu.Unlock()
	return online
}
