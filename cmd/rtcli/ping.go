package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func pingCmd(flags *globalFlags) *cobra.Command {
	var count int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure heartbeat round trips to the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			client, closeClient, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer closeClient()

			fmt.Fprintf(cmd.OutOrStdout(), "connected as %s\n", client.Connection().ID())

			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}

				rtt, err := client.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "heartbeat %d: %s\n", i+1, rtt.Round(time.Microsecond))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 3, "Number of heartbeats")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Time between heartbeats")

	return cmd
}
