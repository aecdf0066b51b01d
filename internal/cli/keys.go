package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"matrixci/internal/security"
)

// NewKeysCommand creates the "keys" group.
func NewKeysCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ledger signing keys",
	}

	var (
		dir   string
		force bool
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an ed25519 key pair for signing ledger blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = root.Config.KeyDir
			}
			if _, err := os.Stat(filepath.Join(dir, security.PublicKeyFile)); err == nil && !force {
				return NewExitError(ExitCommandError, fmt.Sprintf("keys already exist in %s (use --force to replace)", dir))
			}
			kp, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := kp.Save(dir); err != nil {
				return WrapExitError(ExitCommandError, "cannot save keys", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\nwritten to: %s\n", kp.PublicHex(), dir)
			return nil
		},
	}
	generate.Flags().StringVar(&dir, "dir", "", "Key directory (default MATRIXCI_KEY_DIR)")
	generate.Flags().BoolVar(&force, "force", false, "Overwrite existing keys")

	cmd.AddCommand(generate)
	return cmd
}
