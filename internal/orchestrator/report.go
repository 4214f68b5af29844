package orchestrator

import (
	"time"

	"github.com/kebairia/safedeploy/internal/deploy"
	"github.com/kebairia/safedeploy/internal/health"
	"github.com/kebairia/safedeploy/internal/rollback"
)

// State is a step of the safe-deploy state machine.
type State string

const (
	StateInit           State = "init"
	StatePrereqCheck    State = "prereq_check"
	StateBackingUp      State = "backing_up"
	StateDeploying      State = "deploying"
	StateHealthChecking State = "health_checking"
	StateRollingBack    State = "rolling_back"
	StateCleanup        State = "cleanup"
	StateTerminal       State = "terminal"
)

// Outcome is the final verdict of a run.
type Outcome string

const (
	OutcomeDeployed                   Outcome = "deployed"
	OutcomeRolledBack                 Outcome = "rolled_back"
	OutcomeFailed                     Outcome = "failed"
	OutcomeManualInterventionRequired Outcome = "manual_intervention_required"
	OutcomePrerequisiteError          Outcome = "prerequisite_error"
	OutcomeBackupCaptureError         Outcome = "backup_capture_error"
)

// Process exit codes, one per outcome class.
const (
	ExitOK                 = 0
	ExitFailed             = 1
	ExitManualIntervention = 2
	ExitPrerequisite       = 3
	ExitBackupCapture      = 4
)

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeDeployed:
		return ExitOK
	case OutcomeManualInterventionRequired:
		return ExitManualIntervention
	case OutcomePrerequisiteError:
		return ExitPrerequisite
	case OutcomeBackupCaptureError:
		return ExitBackupCapture
	default:
		return ExitFailed
	}
}

// Report describes one deployment attempt. It is printed and exported as
// metrics, never persisted.
type Report struct {
	RunID             string           `json:"run_id"                    yaml:"run_id"`
	Mode              deploy.Mode      `json:"mode"                      yaml:"mode"`
	AutoRollback      bool             `json:"auto_rollback"             yaml:"auto_rollback"`
	Outcome           Outcome          `json:"outcome"                   yaml:"outcome"`
	ExitCode          int              `json:"exit_code"                 yaml:"exit_code"`
	FailedStep        State            `json:"failed_step,omitempty"     yaml:"failed_step,omitempty"`
	BackupID          string           `json:"backup_id,omitempty"       yaml:"backup_id,omitempty"`
	BackupDir         string           `json:"backup_dir,omitempty"      yaml:"backup_dir,omitempty"`
	Deploy            *deploy.Result   `json:"deploy,omitempty"          yaml:"deploy,omitempty"`
	Health            *health.Result   `json:"health,omitempty"          yaml:"health,omitempty"`
	RollbackPerformed bool             `json:"rollback_performed"        yaml:"rollback_performed"`
	Rollback          *rollback.Result `json:"rollback,omitempty"        yaml:"rollback,omitempty"`
	CleanupRemoved    []string         `json:"cleanup_removed,omitempty" yaml:"cleanup_removed,omitempty"`
	CleanupWarning    string           `json:"cleanup_warning,omitempty" yaml:"cleanup_warning,omitempty"`
	States            []State          `json:"states"                    yaml:"states"`
	StartedAt         time.Time        `json:"started_at"                yaml:"started_at"`
	Duration          time.Duration    `json:"duration"                  yaml:"duration"`
	Error             string           `json:"error,omitempty"           yaml:"error,omitempty"`
	Err               error            `json:"-"                         yaml:"-"`
	CleanupErr        error            `json:"-"                         yaml:"-"`
}

// Succeeded reports whether the new deployment is live and healthy.
func (r *Report) Succeeded() bool { return r.Outcome == OutcomeDeployed }
