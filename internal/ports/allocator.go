// Package ports hands out TCP ports for per-task dev servers. A port is held
// by at most one task; candidates are probed at the OS level before being
// claimed.
package ports

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/riordanpawley/azedarach/internal/errors"
)

// DefaultWindow is the number of candidate ports scanned from the base port.
const DefaultWindow = 100

// Probe reports whether port can be bound on this host.
type Probe func(port int) bool

// ListenProbe binds port on the loopback interface and releases it.
func ListenProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Allocator is an in-process registry of port -> task. It is safe for
// concurrent use.
type Allocator struct {
	mu     sync.Mutex
	byPort map[int]string
	byTask map[string]int
	window int
	probe  Probe
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithWindow overrides the scan window.
func WithWindow(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.window = n
		}
	}
}

// WithProbe replaces the OS-level availability check.
func WithProbe(p Probe) Option {
	return func(a *Allocator) {
		if p != nil {
			a.probe = p
		}
	}
}

// NewAllocator creates an empty allocator.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		byPort: make(map[int]string),
		byTask: make(map[string]int),
		window: DefaultWindow,
		probe:  ListenProbe,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the port held by taskID, or claims the first port in
// [basePort, basePort+window) that is free both in the registry and on the
// host. The registry lock is held across the probe so two tasks cannot claim
// the same port.
func (a *Allocator) Allocate(taskID string, basePort int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byTask[taskID]; ok {
		return port, nil
	}
	for port := basePort; port < basePort+a.window && port <= 65535; port++ {
		if port <= 0 {
			continue
		}
		if _, held := a.byPort[port]; held {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.byPort[port] = taskID
		a.byTask[taskID] = port
		return port, nil
	}
	return 0, errors.NewPortExhaustionError(taskID, basePort, a.window)
}

// Reserve records an existing holding, as when restoring a running dev server
// after restart. It fails if port is held by another task.
func (a *Allocator) Reserve(taskID string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if owner, held := a.byPort[port]; held && owner != taskID {
		return fmt.Errorf("port %d already held by %s", port, owner)
	}
	if prev, ok := a.byTask[taskID]; ok && prev != port {
		delete(a.byPort, prev)
	}
	a.byPort[port] = taskID
	a.byTask[taskID] = port
	return nil
}

// Release frees the port held by taskID. Releasing an unknown task is a no-op.
func (a *Allocator) Release(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byTask[taskID]; ok {
		delete(a.byPort, port)
		delete(a.byTask, taskID)
	}
}

// Lookup returns the port held by taskID.
func (a *Allocator) Lookup(taskID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byTask[taskID]
	return port, ok
}

// Holdings returns a copy of the registry sorted by port.
func (a *Allocator) Holdings() []Holding {
	a.mu.Lock()
	out := make([]Holding, 0, len(a.byPort))
	for port, task := range a.byPort {
		out = append(out, Holding{Port: port, TaskID: task})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Holding is one registry entry.
type Holding struct {
	Port   int
	TaskID string
}
