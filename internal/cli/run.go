package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"matrixci/internal/core"
)

// NewRunCommand creates "run", which executes a pipeline locally.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var (
		flags    engineFlags
		jobs     []string
		failFast bool
		format   string
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run every job of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.apply(cmd, root.Config)
			if err != nil {
				return err
			}
			p, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			selector, err := core.ParseSelector(jobs)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --job", err)
			}
			env, err := flags.baseEnv(p)
			if err != nil {
				return err
			}

			workDir := flags.workDir
			if workDir == "" {
				if workDir, err = os.Getwd(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, workDir, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			opts := core.RunOptions{Selector: selector, BaseEnv: env}
			if cmd.Flags().Changed("fail-fast") {
				opts.FailFast = &failFast
			}
			report, err := eng.runner.RunPipeline(ctx, p, opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot plan run", err)
			}

			out := cmd.OutOrStdout()
			if strings.EqualFold(format, "json") {
				err = report.WriteJSON(out)
			} else {
				err = report.WriteText(out)
			}
			if err != nil {
				return err
			}
			if report.Cancelled {
				return NewExitError(ExitFailure, fmt.Sprintf("run %s cancelled", report.RunID))
			}
			if !report.Success() {
				return NewExitError(ExitFailure, fmt.Sprintf("run %s: %d of %d job(s) failed",
					report.RunID, len(report.Failed()), len(report.Jobs)))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringArrayVar(&jobs, "job", nil, "Only run jobs matching dimension=value (repeatable)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop starting jobs after the first failure (default: pipeline setting)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Report format (text, json)")
	return cmd
}
