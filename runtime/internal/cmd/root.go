package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for agentwire-runtime. A bare
// invocation behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "agentwire-runtime",
		Short: "agentwire runtime: host a bureau of agents",
		Long:  "agentwire-runtime hosts the agents named in its config, registers them in the almanac and delivers their messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newAddressCmd())
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	return root
}
