// Package health gates a deployment on a battery of readiness probes.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kebairia/safedeploy/internal/logger"
)

var (
	// ErrNoProbes means there was nothing to verify, which never counts as healthy.
	ErrNoProbes = errors.New("no health probes configured")
	// ErrUnhealthy is wrapped in Result.Err when at least one probe failed.
	ErrUnhealthy = errors.New("health check failed")
)

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Name     string        `json:"name"            yaml:"name"`
	Success  bool          `json:"success"         yaml:"success"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration"        yaml:"duration"`
}

// Result is the outcome of one Verify call.
type Result struct {
	Success  bool          `json:"success"          yaml:"success"`
	Quick    bool          `json:"quick"            yaml:"quick"`
	Checks   []CheckResult `json:"checks"           yaml:"checks"`
	Failed   []string      `json:"failed,omitempty" yaml:"failed,omitempty"`
	Duration time.Duration `json:"duration"         yaml:"duration"`
	Err      error         `json:"-"                yaml:"-"`
}

// Checker runs the configured probes.
type Checker struct {
	probes  []Probe
	timeout time.Duration
	log     logger.Logger
}

// NewChecker returns a Checker. timeout bounds each probe individually.
func NewChecker(probes []Probe, timeout time.Duration, log logger.Logger) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{probes: probes, timeout: timeout, log: logger.OrNop(log)}
}

// Probes returns the configured probes.
func (c *Checker) Probes() []Probe { return c.probes }

// Verify waits settle, then runs the selected probes concurrently. With quick
// set only Quick probes run, unless there are none, in which case the full
// battery runs. Success requires every executed probe to pass.
func (c *Checker) Verify(ctx context.Context, settle time.Duration, quick bool) Result {
	start := time.Now()
	res := Result{Quick: quick, Checks: []CheckResult{}}

	selected := c.selectProbes(quick)
	if len(selected) == 0 {
		res.Err = ErrNoProbes
		res.Duration = time.Since(start)
		c.log.Error("health check failed", "error", ErrNoProbes)
		return res
	}

	if settle > 0 {
		c.log.Info("waiting for services to settle", "delay", settle)
		timer := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = fmt.Errorf("%w: %w", ErrUnhealthy, context.Cause(ctx))
			res.Duration = time.Since(start)
			return res
		case <-timer.C:
		}
	}

	c.log.Info("health check started", "probes", len(selected), "quick", quick)
	results := make([]CheckResult, len(selected))
	var g errgroup.Group
	for i, p := range selected {
		i, p := i, p
		g.Go(func() error {
			results[i] = c.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	res.Checks = results
	for _, r := range results {
		if !r.Success {
			res.Failed = append(res.Failed, r.Name)
			c.log.Warn("probe failed", "probe", r.Name, "error", r.Error)
		}
	}
	res.Success = len(res.Failed) == 0
	res.Duration = time.Since(start)
	if !res.Success {
		res.Err = fmt.Errorf("%w: %d of %d probes failed %v", ErrUnhealthy, len(res.Failed), len(results), res.Failed)
		c.log.Error("health check failed", "failed", res.Failed, "duration", res.Duration)
		return res
	}
	c.log.Info("health check completed", "probes", len(results), "duration", res.Duration)
	return res
}

func (c *Checker) selectProbes(quick bool) []Probe {
	if !quick {
		return c.probes
	}
	var out []Probe
	for _, p := range c.probes {
		if p.Quick() {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return c.probes
	}
	return out
}

// run executes one probe under its own timeout. A panicking probe is a failed probe.
func (c *Checker) run(ctx context.Context, p Probe) (cr CheckResult) {
	cr.Name = p.Name()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer func() {
		cancel()
		if r := recover(); r != nil {
			cr.Success = false
			cr.Error = fmt.Sprintf("probe panicked: %v", r)
		}
		cr.Duration = time.Since(start)
	}()

	if err := p.Check(ctx); err != nil {
		cr.Error = err.Error()
		return cr
	}
	cr.Success = true
	return cr
}
