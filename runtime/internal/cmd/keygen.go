package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/agentwire/pkg/cli"
	"github.com/amurg-ai/agentwire/pkg/identity"
)

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new agent key and store it in an encrypted key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}

			if _, err := os.Stat(out); err == nil {
				if !p.Confirm(fmt.Sprintf("%s exists. Overwrite?", out), false) {
					return errors.New("aborted")
				}
			}

			pass, err := p.AskNewPassphrase("Passphrase")
			if err != nil {
				return err
			}
			id, err := identity.Generate()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := identity.SaveKeyFile(out, id, []byte(pass)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Key written to %s\n", out)
			fmt.Fprintln(cmd.OutOrStdout(), id.Address())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "agent.key", "key file to write")
	return cmd
}
