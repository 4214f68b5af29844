// Package rollback returns the deployment to the state captured in a backup.
//
// A rollback is restore, then a standard-mode redeploy, then a quick health
// verification. It is attempted once; when any stage fails the system is
// left for an operator.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/deploy"
	"github.com/kebairia/safedeploy/internal/health"
	"github.com/kebairia/safedeploy/internal/logger"
)

var (
	// ErrNoBackup means there is nothing to roll back to.
	ErrNoBackup = errors.New("no backup available to roll back to")
	// ErrRollbackFailed wraps the cause of a failed restore, redeploy or verification.
	ErrRollbackFailed = errors.New("rollback failed")
)

// Stage names the step of a rollback that failed.
type Stage string

const (
	StageLookup  Stage = "lookup"
	StageRestore Stage = "restore"
	StageDeploy  Stage = "deploy"
	StageVerify  Stage = "verify"
)

// Store is the part of the backup store a rollback needs.
type Store interface {
	Latest() (*backup.Record, error)
	Get(id string) (*backup.Record, error)
	Restore(ctx context.Context, id string) error
}

// Deployer redeploys after a restore.
type Deployer interface {
	Deploy(ctx context.Context, mode deploy.Mode, timeout time.Duration) deploy.Result
}

// Verifier re-checks health after the redeploy.
type Verifier interface {
	Verify(ctx context.Context, settle time.Duration, quick bool) health.Result
}

// Result is the outcome of one rollback attempt.
type Result struct {
	BackupID           string         `json:"backup_id,omitempty"    yaml:"backup_id,omitempty"`
	Success            bool           `json:"success"                yaml:"success"`
	ManualIntervention bool           `json:"manual_intervention"    yaml:"manual_intervention"`
	FailedStage        Stage          `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`
	Deploy             *deploy.Result `json:"deploy,omitempty"       yaml:"deploy,omitempty"`
	Health             *health.Result `json:"health,omitempty"       yaml:"health,omitempty"`
	Duration           time.Duration  `json:"duration"               yaml:"duration"`
	Error              string         `json:"error,omitempty"        yaml:"error,omitempty"`
	Err                error          `json:"-"                      yaml:"-"`
}

// Options holds the fixed rollback parameters.
type Options struct {
	DeployTimeout time.Duration
	SettleDelay   time.Duration
}

// Controller performs rollbacks.
type Controller struct {
	store    Store
	deployer Deployer
	verifier Verifier
	opts     Options
	log      logger.Logger
}

// NewController returns a Controller.
func NewController(store Store, deployer Deployer, verifier Verifier, opts Options, log logger.Logger) *Controller {
	if opts.DeployTimeout <= 0 {
		opts.DeployTimeout = 10 * time.Minute
	}
	return &Controller{store: store, deployer: deployer, verifier: verifier, opts: opts, log: logger.OrNop(log)}
}

// IsLatest reports whether target selects the newest backup.
func IsLatest(target string) bool {
	return target == "" || target == "auto" || target == "latest"
}

// Rollback restores target (or the latest backup when target is empty,
// "auto" or "latest"), redeploys in standard mode and runs a quick health
// verification.
func (c *Controller) Rollback(ctx context.Context, target string) Result {
	start := time.Now()
	res := Result{}
	finish := func(stage Stage, err error) Result {
		res.Duration = time.Since(start)
		if err == nil {
			res.Success = true
			c.log.Info("rollback completed", "backup_id", res.BackupID, "duration", res.Duration)
			return res
		}
		res.FailedStage = stage
		res.ManualIntervention = true
		res.Err = err
		res.Error = err.Error()
		c.log.Error("rollback failed, manual intervention required",
			"backup_id", res.BackupID,
			"stage", string(stage),
			"error", err,
		)
		return res
	}

	var (
		rec *backup.Record
		err error
	)
	if IsLatest(target) {
		rec, err = c.store.Latest()
	} else {
		rec, err = c.store.Get(target)
	}
	if errors.Is(err, backup.ErrNotFound) {
		return finish(StageLookup, fmt.Errorf("%w: %w", ErrNoBackup, err))
	}
	if err != nil {
		return finish(StageLookup, fmt.Errorf("%w: %w", ErrRollbackFailed, err))
	}
	res.BackupID = rec.ID
	c.log.Info("rollback started", "backup_id", rec.ID)

	if err := c.store.Restore(ctx, rec.ID); err != nil {
		return finish(StageRestore, fmt.Errorf("%w: restore %s: %w", ErrRollbackFailed, rec.ID, err))
	}

	dr := c.deployer.Deploy(ctx, deploy.Standard, c.opts.DeployTimeout)
	res.Deploy = &dr
	if !dr.Success {
		return finish(StageDeploy, fmt.Errorf("%w: redeploy: %w", ErrRollbackFailed, dr.Err))
	}

	hr := c.verifier.Verify(ctx, c.opts.SettleDelay, true)
	res.Health = &hr
	if !hr.Success {
		return finish(StageVerify, fmt.Errorf("%w: verify: %w", ErrRollbackFailed, hr.Err))
	}
	return finish("", nil)
}
