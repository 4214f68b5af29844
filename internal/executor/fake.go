package executor

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a test double for Executor.
//
// RunFunc decides the Result of every call; when nil, every command succeeds
// with empty output. LookupFunc likewise defaults to resolving every name.
// All calls are recorded and Fake is safe for concurrent use.
type Fake struct {
	RunFunc    func(ctx context.Context, cmd Command) Result
	LookupFunc func(name string) (string, error)

	mu    sync.Mutex
	calls []Command
}

var _ Executor = (*Fake)(nil)

func (f *Fake) Run(ctx context.Context, cmd Command) Result {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	run := f.RunFunc
	f.mu.Unlock()
	if run == nil {
		return Result{}
	}
	return run(ctx, cmd)
}

func (f *Fake) Lookup(name string) (string, error) {
	if f.LookupFunc == nil {
		return name, nil
	}
	return f.LookupFunc(name)
}

// Calls returns a copy of every command run so far.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the commands whose Name equals name.
func (f *Fake) CallsTo(name string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Failed builds a Result for a command that exited with code.
func Failed(cmd Command, code int, stderr string) Result {
	return Result{
		ExitCode: code,
		Stderr:   stderr,
		Err:      fmt.Errorf("%s: %w (%d)", cmd, ErrNonZeroExit, code),
	}
}

// TimedOut builds a Result for a command that hit its timeout.
func TimedOut(cmd Command) Result {
	return Result{
		ExitCode: -1,
		TimedOut: true,
		Duration: cmd.Timeout,
		Err:      fmt.Errorf("%s: %w after %s", cmd, ErrTimeout, cmd.Timeout),
	}
}
