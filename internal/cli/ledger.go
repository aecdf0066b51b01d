package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"matrixci/internal/blockchain"
)

// NewLedgerCommand creates the "ledger" group for the audit trail.
func NewLedgerCommand(root *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the step audit ledger",
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "Ledger file (default MATRIXCI_LEDGER)")

	open := func() (*blockchain.Ledger, error) {
		p := path
		if p == "" {
			p = root.Config.Ledger
		}
		l, err := blockchain.OpenLedger(p)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "cannot open ledger", err)
		}
		return l, nil
	}

	var format string
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "List ledger blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			blocks := l.Blocks()
			if strings.EqualFold(format, "json") {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(blocks)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tRUN\tJOB\tSTEP\tOUTCOME\tAGENT\tHASH")
			for _, b := range blocks {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", b.Index, shortID(b.RunID), b.Job, b.Step, b.Outcome, b.AgentID, shortID(b.Hash))
			}
			return tw.Flush()
		},
	}
	inspect.Flags().StringVarP(&format, "output", "o", "text", "Output format (text, json)")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Re-compute hashes, links and signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			if err := l.VerifyChain(); err != nil {
				return WrapExitError(ExitFailure, "ledger verification failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: %d blocks\n", len(l.Blocks()))
			return nil
		},
	}

	cmd.AddCommand(inspect, verify)
	return cmd
}

func shortID(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
