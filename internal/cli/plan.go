package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"matrixci/internal/core"
)

// NewPlanCommand creates "plan", which lists the jobs and active steps a
// run would execute without running anything. The JSON form also carries
// each job's environment as resolved from the pipeline file alone.
func NewPlanCommand(_ *RootOptions) *cobra.Command {
	var (
		jobs   []string
		format string
	)

	cmd := &cobra.Command{
		Use:   "plan <pipeline>",
		Short: "Show the jobs a pipeline expands to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			selector, err := core.ParseSelector(jobs)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --job", err)
			}
			planned, err := core.Plan(p, selector)
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot plan", err)
			}

			type plannedJob struct {
				Name   string            `json:"name"`
				Matrix core.JobContext   `json:"matrix"`
				Env    map[string]string `json:"env"`
				Steps  []string          `json:"steps"`
			}
			out := make([]plannedJob, 0, len(planned))
			for _, job := range planned {
				env, err := core.ResolveEnv(p.Env, p.Overlays, job)
				if err != nil {
					return WrapExitError(ExitCommandError, "cannot plan", err)
				}
				pj := plannedJob{Name: job.Name(p.Name), Matrix: job, Env: env, Steps: []string{}}
				for _, s := range p.Steps {
					active, err := s.Active(job)
					if err != nil {
						return WrapExitError(ExitCommandError, "cannot plan", err)
					}
					if active {
						pj.Steps = append(pj.Steps, s.Name)
					}
				}
				out = append(out, pj)
			}

			w := cmd.OutOrStdout()
			if strings.EqualFold(format, "json") {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tJOB\tSTEPS")
			for i, pj := range out {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, pj.Name, strings.Join(pj.Steps, ", "))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringArrayVar(&jobs, "job", nil, "Only show jobs matching dimension=value (repeatable)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format (text, json)")
	return cmd
}
