package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/safedeploy/internal/output"
)

var (
	quickHealth  bool
	healthOutput string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the configured health probes without deploying",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := output.ParseFormat(healthOutput)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		res := a.checker.Verify(cmd.Context(), 0, quickHealth)
		if format != output.Text {
			if err := output.Encode(cmd.OutOrStdout(), format, res); err != nil {
				return err
			}
		} else {
			output.RenderHealth(cmd.OutOrStdout(), res)
		}
		if !res.Success {
			return withExitCode(1, errReported)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().
		BoolVar(&quickHealth, "quick", false, "run only the probes marked quick")
	healthCmd.Flags().
		StringVarP(&healthOutput, "output", "o", "text", "output format: text, json, yaml")
}
