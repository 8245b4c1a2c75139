package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/agentwire/pkg/identity"
)

func newAddressCmd() *cobra.Command {
	var (
		seed  string
		index int
	)
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the agent address derived from a seed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seed == "" {
				return errors.New("--seed is required")
			}
			if index < 0 || index > 255 {
				return fmt.Errorf("--index must be between 0 and 255, got %d", index)
			}
			fmt.Fprintln(cmd.OutOrStdout(), identity.FromSeed(seed, index).Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "seed phrase")
	cmd.Flags().IntVar(&index, "index", 0, "key derivation index")
	return cmd
}
