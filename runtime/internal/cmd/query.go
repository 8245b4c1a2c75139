package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/agentwire/pkg/agent"
	"github.com/amurg-ai/agentwire/pkg/registration"
	"github.com/amurg-ai/agentwire/pkg/resolver"
	"github.com/amurg-ai/agentwire/runtime/internal/runtime"
)

func newQueryCmd() *cobra.Command {
	var (
		endpoints []string
		almanac   string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "query <address> <text>",
		Short: "Send an echo query to an agent and print its reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			address, text := args[0], args[1]

			var res resolver.Resolver
			switch {
			case len(endpoints) > 0:
				res = resolver.NewStatic(map[string][]string{address: endpoints})
			case almanac != "":
				res = resolver.NewAlmanac(registration.NewAlmanacClient(almanac, nil), resolver.AlmanacOptions{})
			default:
				return errors.New("one of --endpoint or --almanac is required")
			}

			resp, err := agent.Query(cmd.Context(), res, address, runtime.Echo{Text: text}, agent.QueryOptions{Timeout: timeout})
			if err != nil {
				return err
			}
			msg, err := resp.Decode(runtime.EchoReplyType)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.(runtime.EchoReply).Text)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&endpoints, "endpoint", nil, "submit endpoint of the agent (repeatable)")
	cmd.Flags().StringVar(&almanac, "almanac", "", "almanac base URL used to resolve the address")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the reply")
	return cmd
}
