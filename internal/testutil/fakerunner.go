package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/riordanpawley/azedarach/internal/command"
)

// ErrUnexpectedCommand is returned by FakeRunner in strict mode for commands
// with no scripted response.
var ErrUnexpectedCommand = errors.New("unexpected command")

// Call records one invocation of FakeRunner.
type Call struct {
	Dir  string
	Name string
	Args []string
	Env  []string
}

// String renders the call as "name arg1 arg2 ...".
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Response is a scripted result for matching calls.
type Response struct {
	Output string
	Err    error
	// Delay blocks the call, honoring context cancellation.
	Delay time.Duration
	// Func, when set, computes the result from the call.
	Func func(Call) ([]byte, error)
}

type rule struct {
	prefix string
	resp   Response
	once   bool
	used   bool
}

// FakeRunner is a scripted command.Runner. Responses are matched by prefix
// against Call.String(); the most recently registered matching rule wins.
// It is safe for concurrent use.
type FakeRunner struct {
	mu     sync.Mutex
	rules  []*rule
	calls  []Call
	strict bool
}

// NewFakeRunner returns a runner that answers unscripted commands with empty
// output and no error.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// Strict makes unscripted commands fail with ErrUnexpectedCommand.
func (f *FakeRunner) Strict() *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict = true
	return f
}

// On scripts output and err for calls starting with prefix.
func (f *FakeRunner) On(prefix, output string, err error) *FakeRunner {
	return f.OnResponse(prefix, Response{Output: output, Err: err})
}

// Once scripts a response consumed by the first matching call.
func (f *FakeRunner) Once(prefix, output string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, resp: Response{Output: output, Err: err}, once: true})
	return f
}

// OnFunc scripts a computed response for calls starting with prefix.
func (f *FakeRunner) OnFunc(prefix string, fn func(Call) ([]byte, error)) *FakeRunner {
	return f.OnResponse(prefix, Response{Func: fn})
}

// OnResponse scripts a full Response for calls starting with prefix.
func (f *FakeRunner) OnResponse(prefix string, resp Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, resp: resp})
	return f
}

// Run implements command.Runner.
func (f *FakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return f.RunEnv(ctx, dir, nil, name, args...)
}

// RunEnv implements command.EnvRunner.
func (f *FakeRunner) RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	call := Call{
		Dir:  dir,
		Name: name,
		Args: append([]string(nil), args...),
		Env:  append([]string(nil), env...),
	}
	key := call.String()

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var matched *rule
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if r.once && r.used {
			continue
		}
		if strings.HasPrefix(key, r.prefix) {
			matched = r
			break
		}
	}
	if matched != nil && matched.once {
		matched.used = true
	}
	strict := f.strict
	f.mu.Unlock()

	if matched == nil {
		if strict {
			return nil, errors.Join(ErrUnexpectedCommand, errors.New(key))
		}
		return nil, nil
	}

	resp := matched.resp
	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(resp.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Func != nil {
		return resp.Func(call)
	}
	return []byte(resp.Output), resp.Err
}

// Calls returns a copy of all recorded calls in order.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsMatching returns the recorded calls whose String() starts with prefix.
func (f *FakeRunner) CallsMatching(prefix string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Called reports whether any recorded call starts with prefix.
func (f *FakeRunner) Called(prefix string) bool {
	return len(f.CallsMatching(prefix)) > 0
}

// Count returns the number of recorded calls starting with prefix.
func (f *FakeRunner) Count(prefix string) int {
	return len(f.CallsMatching(prefix))
}

// Reset forgets recorded calls but keeps scripted rules.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Verify FakeRunner implements the runner interfaces at compile time.
var (
	_ command.Runner    = (*FakeRunner)(nil)
	_ command.EnvRunner = (*FakeRunner)(nil)
)
