// Package orchestrator sequences a safe deployment:
//
//	lock -> prerequisites -> backup -> deploy -> health -> [rollback] -> cleanup
//
// A backup is always taken before the deploy runs, and on deploy or health
// failure the run rolls back to that backup at most once. The final outcome
// maps to a process exit code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/deploy"
	"github.com/kebairia/safedeploy/internal/executor"
	"github.com/kebairia/safedeploy/internal/health"
	"github.com/kebairia/safedeploy/internal/logger"
	"github.com/kebairia/safedeploy/internal/rollback"
)

// Locker is the run-exclusivity lock.
type Locker interface {
	Acquire() error
	Release() error
}

// BackupStore is the part of the backup store a run uses.
type BackupStore interface {
	Create(ctx context.Context) (*backup.Record, error)
	Cleanup(keep int) ([]string, error)
}

type Deployer interface {
	Deploy(ctx context.Context, mode deploy.Mode, timeout time.Duration) deploy.Result
	Entrypoint() string
}

type Verifier interface {
	Verify(ctx context.Context, settle time.Duration, quick bool) health.Result
}

type RollbackController interface {
	Rollback(ctx context.Context, target string) rollback.Result
}

// Recorder receives every finished report, e.g. for metrics export.
type Recorder interface {
	Record(r *Report)
}

// Config holds the per-run parameters.
type Config struct {
	StandardTimeout   time.Duration
	ProductionTimeout time.Duration
	SettleDelay       time.Duration
	KeepCount         int
	// Binaries must resolve before a run starts; rollback depends on them.
	Binaries []string
}

// Orchestrator runs safe deployments.
type Orchestrator struct {
	cfg      Config
	lock     Locker
	store    BackupStore
	deployer Deployer
	verifier Verifier
	rollback RollbackController
	lookup   executor.Executor
	log      logger.Logger
	recorder Recorder
	now      func() time.Time
	newRunID func() string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = logger.OrNop(l) }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an Orchestrator. lookup resolves the entrypoint and the
// prerequisite binaries.
func New(
	cfg Config,
	lock Locker,
	store BackupStore,
	deployer Deployer,
	verifier Verifier,
	rb RollbackController,
	lookup executor.Executor,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		lock:     lock,
		store:    store,
		deployer: deployer,
		verifier: verifier,
		rollback: rb,
		lookup:   lookup,
		log:      logger.Nop(),
		now:      time.Now,
		newRunID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) timeoutFor(mode deploy.Mode) time.Duration {
	if mode == deploy.Production {
		return o.cfg.ProductionTimeout
	}
	return o.cfg.StandardTimeout
}

// Run performs one safe deployment in mode. With autoRollback false a failed
// deploy or health check is left in place for inspection.
func (o *Orchestrator) Run(ctx context.Context, mode deploy.Mode, autoRollback bool) *Report {
	r := &Report{
		RunID:        o.newRunID(),
		Mode:         mode,
		AutoRollback: autoRollback,
		StartedAt:    o.now().UTC(),
		States:       []State{},
	}
	log := o.log.With("run_id", r.RunID, "mode", string(mode))
	defer func() {
		r.Duration = o.now().Sub(r.StartedAt)
		r.ExitCode = r.Outcome.ExitCode()
		if r.Err != nil {
			r.Error = r.Err.Error()
		}
		log.Info("safe deploy finished",
			"outcome", string(r.Outcome),
			"backup_id", r.BackupID,
			"rollback_performed", r.RollbackPerformed,
			"duration", r.Duration,
		)
		if o.recorder != nil {
			o.recorder.Record(r)
		}
	}()

	o.enter(r, StateInit)
	log.Info("safe deploy started", "auto_rollback", autoRollback)

	o.enter(r, StatePrereqCheck)
	if err := o.lock.Acquire(); err != nil {
		return o.abort(r, OutcomePrerequisiteError, StatePrereqCheck, fmt.Errorf("%w: %w", ErrPrerequisite, err))
	}
	defer func() {
		if err := o.lock.Release(); err != nil {
			log.Warn("release run lock", "error", err)
		}
	}()
	if err := o.checkPrerequisites(); err != nil {
		return o.abort(r, OutcomePrerequisiteError, StatePrereqCheck, fmt.Errorf("%w: %w", ErrPrerequisite, err))
	}

	o.enter(r, StateBackingUp)
	rec, err := o.store.Create(ctx)
	if err != nil {
		return o.abort(r, OutcomeBackupCaptureError, StateBackingUp, fmt.Errorf("%w: %w", ErrBackupCapture, err))
	}
	r.BackupID = rec.ID
	r.BackupDir = rec.Dir()

	failure := o.deployAndVerify(ctx, r, mode)

	switch {
	case failure == nil:
		r.Outcome = OutcomeDeployed
	case !autoRollback:
		log.Warn("auto-rollback disabled, leaving failed deployment in place", "backup_id", r.BackupID)
		r.Outcome = OutcomeFailed
		r.Err = failure
	default:
		o.enter(r, StateRollingBack)
		r.RollbackPerformed = true
		// The rollback must run even if the deploy was interrupted; its own
		// steps carry their own timeouts.
		rr := o.rollback.Rollback(context.WithoutCancel(ctx), rec.ID)
		r.Rollback = &rr
		if rr.Success {
			r.Outcome = OutcomeRolledBack
			r.Err = failure
		} else {
			r.Outcome = OutcomeManualInterventionRequired
			r.Err = errors.Join(failure, &StepError{Step: StateRollingBack, Err: fmt.Errorf("%w: %w", ErrRollback, rr.Err)})
		}
	}

	o.enter(r, StateCleanup)
	removed, err := o.store.Cleanup(o.cfg.KeepCount)
	r.CleanupRemoved = removed
	if err != nil {
		w := &CleanupWarning{Err: err}
		r.CleanupErr = w
		r.CleanupWarning = w.Error()
		log.Warn("retention cleanup failed", "error", err)
	}

	o.enter(r, StateTerminal)
	return r
}

// deployAndVerify runs the deploy and, if it succeeded, the full health
// battery. It returns the failure to recover from, if any.
func (o *Orchestrator) deployAndVerify(ctx context.Context, r *Report, mode deploy.Mode) error {
	o.enter(r, StateDeploying)
	dr := o.deployer.Deploy(ctx, mode, o.timeoutFor(mode))
	r.Deploy = &dr
	if !dr.Success {
		r.FailedStep = StateDeploying
		return &StepError{Step: StateDeploying, Err: fmt.Errorf("%w: %w", ErrDeploy, dr.Err)}
	}

	o.enter(r, StateHealthChecking)
	hr := o.verifier.Verify(ctx, o.cfg.SettleDelay, false)
	r.Health = &hr
	if !hr.Success {
		r.FailedStep = StateHealthChecking
		return &StepError{Step: StateHealthChecking, Err: fmt.Errorf("%w: %w", ErrHealthCheck, hr.Err)}
	}
	return nil
}

func (o *Orchestrator) checkPrerequisites() error {
	var errs []error
	if _, err := o.lookup.Lookup(o.deployer.Entrypoint()); err != nil {
		errs = append(errs, fmt.Errorf("deploy entrypoint %q is not executable: %w", o.deployer.Entrypoint(), err))
	}
	for _, bin := range o.cfg.Binaries {
		if _, err := o.lookup.Lookup(bin); err != nil {
			errs = append(errs, fmt.Errorf("required binary %q not found: %w", bin, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) abort(r *Report, outcome Outcome, step State, err error) *Report {
	r.Outcome = outcome
	r.FailedStep = step
	r.Err = &StepError{Step: step, Err: err}
	o.log.Error("safe deploy aborted", "run_id", r.RunID, "step", string(step), "error", err)
	o.enter(r, StateTerminal)
	return r
}

func (o *Orchestrator) enter(r *Report, s State) {
	r.States = append(r.States, s)
	o.log.Debug("state", "run_id", r.RunID, "state", string(s))
}
