// Package cli defines the matrixci command-line interface.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"matrixci/internal/config"
	"matrixci/internal/logging"
)

// RootOptions holds settings shared by every command.
type RootOptions struct {
	LogLevel  string
	LogFormat string
	Config    config.Config
}

// Execute builds the root command, runs it with args and returns any
// error. Use GetExitCode to map the error to a process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// NewRootCommand constructs the command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "matrixci",
		Short: "Run matrix CI pipelines",
		Long: "matrixci expands a pipeline's build matrix into jobs and runs each job's steps " +
			"with per-job environments, conditional steps, dependency caching and coverage upload.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.LogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = opts.LogFormat
			}
			opts.Config = cfg

			logger := logging.NewLogger(cmd.ErrOrStderr(), logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(logging.WithLogger(ctx, logger))
			logger.Debug("logger initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(
		NewRunCommand(opts),
		NewPlanCommand(opts),
		NewServeCommand(opts),
		NewAgentCommand(opts),
		NewSubmitCommand(opts),
		NewLedgerCommand(opts),
		NewKeysCommand(opts),
	)
	return cmd
}

// Main runs the CLI and exits the process.
func Main(args []string) {
	err := Execute(context.Background(), args, os.Stdout, os.Stderr)
	if err != nil {
		logging.NewLogger(os.Stderr, logging.ParseLevel("info"), os.Getenv("MATRIXCI_LOG_FORMAT")).Error(err.Error())
	}
	os.Exit(GetExitCode(err))
}
