package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/safedeploy/internal/logger"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	// LogLevel overrides log.level from the configuration when set.
	LogLevel string

	// rootCmd is the base command for safedeploy.
	rootCmd = &cobra.Command{
		Use:   "safedeploy",
		Short: "Backup, deploy, verify and roll back a single-host deployment",
		Long: `safedeploy wraps a deployment entrypoint with a safety net: it takes a
backup of the live configuration and data before every deploy, gates success
on health probes, and rolls back to the backup automatically on failure.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withExitCode wraps err so Execute exits with code.
func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && !errors.Is(ee.err, errReported) {
			reportError(ee.err)
		}
		return ee.code
	}
	reportError(err)
	return 1
}

// errReported marks failures whose details were already printed.
var errReported = errors.New("reported")

func reportError(err error) {
	log, lerr := logger.New(logger.Options{Level: "error"})
	if lerr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	log.Error("command failed", "error", err.Error())
	_ = log.Sync()
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file (default ./safedeploy.yaml if present)")
	rootCmd.PersistentFlags().
		StringVar(&LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(healthCmd)
}
