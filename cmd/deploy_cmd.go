package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/safedeploy/internal/deploy"
	"github.com/kebairia/safedeploy/internal/output"
)

var (
	autoRollback bool
	deployOutput string
)

var deployCmd = &cobra.Command{
	Use:   "deploy dev|prod",
	Short: "Back up, deploy, verify health and roll back on failure",
	Long: `deploy runs the full safe-deploy sequence: prerequisite checks, a fresh
backup, the deployment entrypoint in the given mode, health verification and,
unless disabled, an automatic rollback to the fresh backup on failure.

Exit codes: 0 deployed, 1 rolled back or failed, 2 manual intervention
required, 3 prerequisite error, 4 backup capture error.`,
	ValidArgs: []string{"dev", "prod"},
	Args:      cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := deploy.ParseMode(args[0])
		if err != nil {
			return err
		}
		format, err := output.ParseFormat(deployOutput)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		report := a.orchestrator().Run(cmd.Context(), mode, autoRollback)

		if format != output.Text {
			if err := output.Encode(cmd.OutOrStdout(), format, report); err != nil {
				return err
			}
		} else {
			output.RenderReport(cmd.OutOrStdout(), report)
		}
		if report.ExitCode != 0 {
			return withExitCode(report.ExitCode, errReported)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().
		BoolVar(&autoRollback, "auto-rollback", true, "roll back to the fresh backup when the deploy or health check fails")
	deployCmd.Flags().
		StringVarP(&deployOutput, "output", "o", "text", "report format: text, json, yaml")
}
