// Package metrics exports the outcome of each safe-deploy run as a Prometheus
// textfile, for node_exporter's textfile collector to pick up.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kebairia/safedeploy/internal/logger"
	"github.com/kebairia/safedeploy/internal/orchestrator"
)

const namespace = "safedeploy"

var outcomes = []orchestrator.Outcome{
	orchestrator.OutcomeDeployed,
	orchestrator.OutcomeRolledBack,
	orchestrator.OutcomeFailed,
	orchestrator.OutcomeManualInterventionRequired,
	orchestrator.OutcomePrerequisiteError,
	orchestrator.OutcomeBackupCaptureError,
}

// BackupCounter reports how many backup records are retained.
type BackupCounter func() (int, error)

// Textfile writes run metrics to path after every run.
type Textfile struct {
	path    string
	backups BackupCounter
	log     logger.Logger
}

// NewTextfile returns an exporter writing to path. backups may be nil.
func NewTextfile(path string, backups BackupCounter, log logger.Logger) *Textfile {
	return &Textfile{path: path, backups: backups, log: logger.OrNop(log)}
}

// Record implements orchestrator.Recorder. Export failures are logged only;
// metrics never change a run's outcome.
func (t *Textfile) Record(r *orchestrator.Report) {
	if err := t.Write(r); err != nil {
		t.log.Warn("write metrics textfile", "path", t.path, "error", err)
	}
}

// Write renders the report into a fresh registry and writes it atomically.
func (t *Textfile) Write(r *orchestrator.Report) error {
	reg, err := t.registry(r)
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(t.path, reg); err != nil {
		return fmt.Errorf("write %s: %w", t.path, err)
	}
	return nil
}

func (t *Textfile) registry(r *orchestrator.Report) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	mode := prometheus.Labels{"mode": string(r.Mode)}

	outcome := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_outcome",
		Help:      "1 for the outcome of the last run, 0 for every other outcome.",
	}, []string{"mode", "outcome"})
	for _, o := range outcomes {
		v := 0.0
		if o == r.Outcome {
			v = 1
		}
		outcome.With(prometheus.Labels{"mode": string(r.Mode), "outcome": string(o)}).Set(v)
	}

	gauge := func(name, help string, v float64) prometheus.Collector {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, []string{"mode"})
		g.With(mode).Set(v)
		return g
	}
	boolf := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	steps := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_step_duration_seconds",
		Help:      "Duration of each step of the last run.",
	}, []string{"mode", "step"})
	if r.Deploy != nil {
		steps.With(prometheus.Labels{"mode": string(r.Mode), "step": "deploy"}).Set(r.Deploy.Duration.Seconds())
	}
	if r.Health != nil {
		steps.With(prometheus.Labels{"mode": string(r.Mode), "step": "health"}).Set(r.Health.Duration.Seconds())
	}
	if r.Rollback != nil {
		steps.With(prometheus.Labels{"mode": string(r.Mode), "step": "rollback"}).Set(r.Rollback.Duration.Seconds())
	}

	collectors := []prometheus.Collector{
		outcome,
		steps,
		gauge("last_run_timestamp_seconds", "Start time of the last run.", float64(r.StartedAt.Unix())),
		gauge("last_run_duration_seconds", "Wall time of the last run.", r.Duration.Seconds()),
		gauge("last_run_exit_code", "Exit code of the last run.", float64(r.ExitCode)),
		gauge("last_run_rollback_performed", "1 if the last run rolled back.", boolf(r.RollbackPerformed)),
		gauge("last_run_cleanup_warning", "1 if retention cleanup failed in the last run.", boolf(r.CleanupErr != nil)),
	}
	if t.backups != nil {
		if n, err := t.backups(); err == nil {
			collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backups_retained",
				Help:      "Number of backup records on disk after the last run.",
			}, func() float64 { return float64(n) }))
		} else {
			t.log.Warn("count backups for metrics", "error", err)
		}
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return reg, nil
}
