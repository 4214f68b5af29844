// Package deploy invokes the external deployment entrypoint.
//
// The entrypoint is opaque: safedeploy passes it a mode argument list, waits
// for it under a timeout and reads its exit status. There is exactly one
// attempt per call; retrying is the caller's decision.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kebairia/safedeploy/internal/executor"
	"github.com/kebairia/safedeploy/internal/logger"
)

var (
	// ErrDeployTimeout means the entrypoint did not finish within its timeout.
	ErrDeployTimeout = errors.New("deployment timed out")
	// ErrDeployFailed means the entrypoint exited non-zero or could not be started.
	ErrDeployFailed = errors.New("deployment failed")
	// ErrUnknownMode is returned by ParseMode.
	ErrUnknownMode = errors.New("unknown deployment mode")
	// ErrSecrets means the deploy environment could not be fetched.
	ErrSecrets = errors.New("cannot load deployment secrets")
)

// maxOutput bounds the entrypoint output kept in a Result.
const maxOutput = 8 << 10

// Mode selects the entrypoint argument list and timeout.
type Mode string

const (
	Standard   Mode = "standard"
	Production Mode = "production"
)

// ParseMode accepts the CLI spellings dev/standard and prod/production.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "standard":
		return Standard, nil
	case "prod", "production":
		return Production, nil
	}
	return "", fmt.Errorf("%w: %q (want dev or prod)", ErrUnknownMode, s)
}

// Result is the outcome of one deployment attempt.
type Result struct {
	Mode     Mode          `json:"mode"             yaml:"mode"`
	Success  bool          `json:"success"          yaml:"success"`
	ExitCode int           `json:"exit_code"        yaml:"exit_code"`
	TimedOut bool          `json:"timed_out"        yaml:"timed_out"`
	Duration time.Duration `json:"duration"         yaml:"duration"`
	Output   string        `json:"output,omitempty" yaml:"output,omitempty"`
	Error    string        `json:"error,omitempty"  yaml:"error,omitempty"`
	Err      error         `json:"-"                yaml:"-"`
}

// SecretSource supplies extra KEY=VALUE environment entries for the entrypoint.
type SecretSource interface {
	Env(ctx context.Context) ([]string, error)
}

// Config describes the entrypoint and the stop command.
type Config struct {
	Entrypoint     string
	StandardArgs   []string
	ProductionArgs []string
	Dir            string
	Env            []string
	StopCommand    []string
	StopTimeout    time.Duration
}

// Runner runs the deployment entrypoint through an Executor.
type Runner struct {
	cfg     Config
	exec    executor.Executor
	secrets SecretSource
	log     logger.Logger
}

// NewRunner returns a Runner. secrets may be nil.
func NewRunner(cfg Config, exec executor.Executor, secrets SecretSource, log logger.Logger) *Runner {
	return &Runner{cfg: cfg, exec: exec, secrets: secrets, log: logger.OrNop(log)}
}

// Entrypoint returns the configured entrypoint path.
func (r *Runner) Entrypoint() string { return r.cfg.Entrypoint }

func (r *Runner) args(mode Mode) []string {
	if mode == Production {
		return r.cfg.ProductionArgs
	}
	return r.cfg.StandardArgs
}

// Deploy runs the entrypoint once for mode and waits at most timeout.
// A timeout is a failure, reported with TimedOut set and ErrDeployTimeout.
func (r *Runner) Deploy(ctx context.Context, mode Mode, timeout time.Duration) Result {
	res := Result{Mode: mode}
	log := r.log.With("mode", string(mode))

	env := append([]string(nil), r.cfg.Env...)
	if r.secrets != nil {
		extra, err := r.secrets.Env(ctx)
		if err != nil {
			res.ExitCode = -1
			return withErr(res, fmt.Errorf("%w: %w: %w", ErrDeployFailed, ErrSecrets, err))
		}
		env = append(env, extra...)
	}

	cmd := executor.Command{
		Name:    r.cfg.Entrypoint,
		Args:    append([]string(nil), r.args(mode)...),
		Dir:     r.cfg.Dir,
		Env:     env,
		Timeout: timeout,
	}
	log.Info("deploy started", "command", cmd.String(), "timeout", timeout)

	out := r.exec.Run(ctx, cmd)
	res.ExitCode = out.ExitCode
	res.TimedOut = out.TimedOut
	res.Duration = out.Duration
	res.Output = tail(out.Output(), maxOutput)

	switch {
	case out.TimedOut:
		res = withErr(res, fmt.Errorf("%w after %s: %w", ErrDeployTimeout, timeout, out.Err))
		log.Error("deploy timed out", "timeout", timeout, "duration", res.Duration)
	case !out.OK():
		res = withErr(res, fmt.Errorf("%w: %w", ErrDeployFailed, out.Err))
		log.Error("deploy failed", "exit_code", res.ExitCode, "duration", res.Duration)
	default:
		res.Success = true
		log.Info("deploy completed", "duration", res.Duration)
	}
	return res
}

// Stop brings the running deployment down with the configured stop command.
// Without one it does nothing.
func (r *Runner) Stop(ctx context.Context) error {
	if len(r.cfg.StopCommand) == 0 {
		return nil
	}
	cmd, err := executor.FromArgv(r.cfg.StopCommand, r.cfg.StopTimeout)
	if err != nil {
		return err
	}
	cmd.Dir = r.cfg.Dir
	r.log.Info("stopping running deployment", "command", cmd.String())
	res := r.exec.Run(ctx, cmd)
	if !res.OK() {
		return fmt.Errorf("stop deployment: %w", res.Err)
	}
	return nil
}

func withErr(res Result, err error) Result {
	res.Success = false
	res.Err = err
	res.Error = err.Error()
	return res
}

// tail keeps the last n bytes of s, cut at a line boundary when possible.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "...\n" + s
}
