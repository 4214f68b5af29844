package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/health"
	"github.com/kebairia/safedeploy/internal/orchestrator"
)

// RenderBackupTable lists records newest first, marking the latest one.
func RenderBackupTable(w io.Writer, records []*backup.Record, latestID string, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No backups found.")
		return
	}
	fmt.Fprintf(w, "%-2s %-32s %-14s %-6s %-9s %-9s %s\n",
		"", "ID", "Created", "Files", "Services", "Images", "Data")
	fmt.Fprintln(w, strings.Repeat("─", 90))
	for _, rec := range records {
		mark := ""
		if rec.ID == latestID {
			mark = "*"
		}
		fmt.Fprintf(w, "%-2s %-32s %-14s %-6d %-9s %-9s %s\n",
			mark,
			rec.ID,
			humanize.RelTime(rec.CreatedAt, now, "ago", "from now"),
			len(rec.Files),
			inventoryCell(rec.Services),
			inventoryCell(rec.Images),
			archiveCell(rec.Archive),
		)
	}
}

func inventoryCell(inv backup.Inventory) string {
	if !inv.Available {
		return "n/a"
	}
	return fmt.Sprintf("%d", len(inv.Items))
}

func archiveCell(a *backup.ArchiveInfo) string {
	if a == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", humanize.IBytes(uint64(a.Size)), a.Codec)
}

// RenderRecord prints one record in detail.
func RenderRecord(w io.Writer, rec *backup.Record) {
	fmt.Fprintf(w, "Backup:    %s\n", rec.ID)
	fmt.Fprintf(w, "Directory: %s\n", rec.Dir())
	fmt.Fprintf(w, "Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	for _, f := range rec.Files {
		fmt.Fprintf(w, "  file     %s (%s)\n", f.Source, humanize.IBytes(uint64(f.Size)))
	}
	if rec.Archive != nil {
		fmt.Fprintf(w, "  data     %s -> %s (%s, %d entries)\n",
			rec.Archive.Source, rec.Archive.Name, humanize.IBytes(uint64(rec.Archive.Size)), rec.Archive.Entries)
	}
	fmt.Fprintf(w, "  services %s\n", inventorySummary(rec.Services))
	fmt.Fprintf(w, "  images   %s\n", inventorySummary(rec.Images))
	for _, warn := range rec.Warnings {
		fmt.Fprintf(w, "  warning  %s\n", warn)
	}
}

func inventorySummary(inv backup.Inventory) string {
	if !inv.Available {
		return "unavailable (" + inv.Error + ")"
	}
	if len(inv.Items) == 0 {
		return "none"
	}
	return strings.Join(inv.Items, ", ")
}

// RenderReport prints the summary of a safe-deploy run.
func RenderReport(w io.Writer, r *orchestrator.Report) {
	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintf(w, "Outcome:   %s (exit %d)\n", paint(w, outcomeColor(r.Outcome), string(r.Outcome)), r.ExitCode)
	fmt.Fprintf(w, "Run:       %s\n", r.RunID)
	fmt.Fprintf(w, "Mode:      %s (auto-rollback: %t)\n", r.Mode, r.AutoRollback)
	if r.FailedStep != "" {
		fmt.Fprintf(w, "Failed at: %s\n", r.FailedStep)
	}
	if r.BackupID != "" {
		fmt.Fprintf(w, "Backup:    %s\n", r.BackupID)
		fmt.Fprintf(w, "Directory: %s\n", r.BackupDir)
	}
	if r.Deploy != nil {
		status := "ok"
		switch {
		case r.Deploy.TimedOut:
			status = "timed out"
		case !r.Deploy.Success:
			status = fmt.Sprintf("exit %d", r.Deploy.ExitCode)
		}
		fmt.Fprintf(w, "Deploy:    %s in %s\n", status, r.Deploy.Duration.Round(time.Millisecond))
	}
	if r.Health != nil {
		fmt.Fprintf(w, "Health:    %s\n", healthSummary(r.Health))
	}
	fmt.Fprintf(w, "Rollback:  %s\n", rollbackSummary(r))
	if len(r.CleanupRemoved) > 0 {
		fmt.Fprintf(w, "Cleanup:   removed %s\n", strings.Join(r.CleanupRemoved, ", "))
	}
	if r.CleanupWarning != "" {
		fmt.Fprintf(w, "Warning:   %s\n", paint(w, colorYellow, r.CleanupWarning))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration.Round(time.Millisecond))
	if r.Outcome == orchestrator.OutcomeManualInterventionRequired {
		fmt.Fprintln(w, paint(w, colorRed, "Manual intervention required: the system may be in an inconsistent state."))
	}
}

// RenderHealth prints a standalone health verification.
func RenderHealth(w io.Writer, res health.Result) {
	for _, c := range res.Checks {
		status := paint(w, colorGreen, "ok")
		if !c.Success {
			status = paint(w, colorRed, "FAIL") + " " + c.Error
		}
		fmt.Fprintf(w, "%-24s %s (%s)\n", c.Name, status, c.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Health: %s\n", healthSummary(&res))
}

func healthSummary(h *health.Result) string {
	if h.Success {
		return fmt.Sprintf("%d/%d probes passed", len(h.Checks), len(h.Checks))
	}
	if len(h.Checks) == 0 && h.Err != nil {
		return h.Err.Error()
	}
	return fmt.Sprintf("%d/%d probes failed (%s)", len(h.Failed), len(h.Checks), strings.Join(h.Failed, ", "))
}

func rollbackSummary(r *orchestrator.Report) string {
	switch {
	case !r.RollbackPerformed:
		return "not performed"
	case r.Rollback != nil && r.Rollback.Success:
		return "restored " + r.Rollback.BackupID
	case r.Rollback != nil:
		return fmt.Sprintf("failed at %s", r.Rollback.FailedStage)
	}
	return "failed"
}

func outcomeColor(o orchestrator.Outcome) string {
	switch o {
	case orchestrator.OutcomeDeployed:
		return colorGreen
	case orchestrator.OutcomeRolledBack:
		return colorYellow
	default:
		return colorRed
	}
}
