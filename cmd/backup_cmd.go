package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/safedeploy/internal/backup"
	"github.com/kebairia/safedeploy/internal/orchestrator"
	"github.com/kebairia/safedeploy/internal/output"
)

// backupOutput is the --output flag shared by the backup subcommands.
var backupOutput string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, restore and prune deployment backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a backup of the live configuration and data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := output.ParseFormat(backupOutput)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		return a.withLock(func() error {
			rec, err := a.store.Create(cmd.Context())
			if err != nil {
				return withExitCode(orchestrator.ExitBackupCapture, err)
			}
			if format != output.Text {
				return output.Encode(cmd.OutOrStdout(), format, rec)
			}
			output.RenderRecord(cmd.OutOrStdout(), rec)
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := output.ParseFormat(backupOutput)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.store.Records()
		if err != nil {
			return err
		}
		if format != output.Text {
			return output.Encode(cmd.OutOrStdout(), format, records)
		}
		latestID := ""
		if rec, err := a.store.Latest(); err == nil {
			latestID = rec.ID
		}
		output.RenderBackupTable(cmd.OutOrStdout(), records, latestID, time.Now())
		return nil
	},
}

var backupLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the id of the most recent backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := output.ParseFormat(backupOutput)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.store.Latest()
		if errors.Is(err, backup.ErrNotFound) {
			return fmt.Errorf("no backups in %s: %w", a.store.Root(), err)
		}
		if err != nil {
			return err
		}
		if format != output.Text {
			return output.Encode(cmd.OutOrStdout(), format, rec)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		return nil
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup [keep]",
	Short: "Delete all but the newest backups (default backup.keep_count)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		keep := a.cfg.Backup.KeepCount
		if len(args) == 1 {
			if keep, err = parseKeep(args[0]); err != nil {
				return err
			}
		}

		return a.withLock(func() error {
			removed, err := a.store.Cleanup(keep)
			for _, id := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing to remove (keeping %d)\n", keep)
			}
			return nil
		})
	},
}

func parseKeep(s string) (int, error) {
	keep, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid keep count %q: %w", s, err)
	}
	if keep < 1 {
		return 0, fmt.Errorf("%w, got %d", backup.ErrInvalidKeepCount, keep)
	}
	return keep, nil
}

func init() {
	backupCmd.PersistentFlags().
		StringVarP(&backupOutput, "output", "o", "text", "output format: text, json, yaml")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupLatestCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupAutoCmd)
}
