package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrPrerequisite aborts a run before anything is modified.
	ErrPrerequisite = errors.New("prerequisite check failed")
	// ErrBackupCapture aborts a run before the deploy; nothing was deployed.
	ErrBackupCapture = errors.New("backup capture failed")
	// ErrDeploy marks a failed or timed-out deployment.
	ErrDeploy = errors.New("deployment failed")
	// ErrHealthCheck marks a deployment that did not pass health verification.
	ErrHealthCheck = errors.New("health verification failed")
	// ErrRollback marks a rollback that did not complete; an operator must step in.
	ErrRollback = errors.New("rollback failed")
)

// StepError attributes an error to the state it happened in.
type StepError struct {
	Step State
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CleanupWarning is a retention cleanup failure. It is reported but never
// changes a run's outcome.
type CleanupWarning struct {
	Err error
}

func (w *CleanupWarning) Error() string {
	return "retention cleanup: " + w.Err.Error()
}

func (w *CleanupWarning) Unwrap() error { return w.Err }
