package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/orchestrator"
	"github.com/kebairia/safedeploy/internal/output"
	"github.com/kebairia/safedeploy/internal/rollback"
)

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [id]",
	Short: "Restore files and data from a backup (latest when no id is given)",
	Long: `restore copies the captured configuration files back to their original
paths and replaces the data directory with the archived copy. It does not
redeploy; use "backup auto" for a full rollback.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		return a.withLock(func() error {
			var (
				rec *backup.Record
				err error
			)
			if len(args) == 1 && !rollback.IsLatest(args[0]) {
				rec, err = a.store.Get(args[0])
			} else {
				rec, err = a.store.Latest()
			}
			if err != nil {
				return err
			}
			if err := a.store.Restore(cmd.Context(), rec.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", rec.ID)
			return nil
		})
	},
}

var backupAutoCmd = &cobra.Command{
	Use:   "auto [id]",
	Short: "Roll back: restore a backup, redeploy in standard mode and verify health",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(backupOutput)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		target := ""
		if len(args) == 1 {
			target = args[0]
		}

		return a.withLock(func() error {
			res := a.rollback.Rollback(cmd.Context(), target)
			if format != output.Text {
				if err := output.Encode(cmd.OutOrStdout(), format, res); err != nil {
					return err
				}
			} else if res.Success {
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back to %s\n", res.BackupID)
			}
			if !res.Success {
				return withExitCode(orchestrator.ExitManualIntervention, res.Err)
			}
			return nil
		})
	},
}
