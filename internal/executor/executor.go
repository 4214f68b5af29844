// Package executor runs external commands under an explicit timeout.
//
// Every call out of safedeploy (the deploy entrypoint, container runtime
// queries, command probes) goes through Executor so the orchestration logic
// can be exercised in tests with Fake instead of real processes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrTimeout is the cancellation cause when a command exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")
	// ErrNonZeroExit is wrapped when a command exits with a non-zero status.
	ErrNonZeroExit = errors.New("non-zero exit status")
	// ErrNoTimeout is returned when a Command carries no timeout; unbounded waits are not allowed.
	ErrNoTimeout = errors.New("command has no timeout")
)

// Command describes one external invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// FromArgv builds a Command from an argv list such as a configured command.
func FromArgv(argv []string, timeout time.Duration) (Command, error) {
	if len(argv) == 0 {
		return Command{}, errors.New("empty command")
	}
	return Command{Name: argv[0], Args: append([]string(nil), argv[1:]...), Timeout: timeout}, nil
}

// Result is the outcome of a Command. Err is nil only for exit status 0.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
	Err      error
}

// OK reports whether the command ran to completion with exit status 0.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.TimedOut
}

// Output joins stdout and stderr for reports.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Executor is the single port for launching external processes.
type Executor interface {
	Run(ctx context.Context, cmd Command) Result
	// Lookup resolves an executable name or path the way Run would.
	Lookup(name string) (string, error)
}

// OS runs commands with os/exec.
type OS struct{}

var _ Executor = OS{}

// Run executes cmd and waits for it, or for its timeout, whichever comes first.
func (OS) Run(ctx context.Context, cmd Command) Result {
	if cmd.Timeout <= 0 {
		return Result{ExitCode: -1, Err: fmt.Errorf("%s: %w", cmd, ErrNoTimeout)}
	}
	ctx, cancel := context.WithTimeoutCause(ctx, cmd.Timeout, ErrTimeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	// Give the child a moment after SIGKILL before Wait gives up on its pipes.
	c.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   strings.TrimRight(stdout.String(), "\n"),
		Stderr:   strings.TrimRight(stderr.String(), "\n"),
		Duration: time.Since(start),
	}

	if errors.Is(context.Cause(ctx), ErrTimeout) {
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s: %w after %s", cmd, ErrTimeout, cmd.Timeout)
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("%s: %w (%d)", cmd, ErrNonZeroExit, res.ExitCode)
			return res
		}
		res.ExitCode = -1
		res.Err = fmt.Errorf("%s: %w", cmd, err)
		return res
	}
	return res
}

// Lookup resolves name on PATH, or checks that an explicit path is executable.
func (OS) Lookup(name string) (string, error) {
	return exec.LookPath(name)
}

// InDir returns an Executor that runs commands in dir unless they set their own Dir.
func InDir(exec Executor, dir string) Executor {
	return inDir{exec: exec, dir: dir}
}

type inDir struct {
	exec Executor
	dir  string
}

func (e inDir) Run(ctx context.Context, cmd Command) Result {
	if cmd.Dir == "" {
		cmd.Dir = e.dir
	}
	return e.exec.Run(ctx, cmd)
}

func (e inDir) Lookup(name string) (string, error) { return e.exec.Lookup(name) }
