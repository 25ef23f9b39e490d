package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"relaywire.io/realtime/channel"
	"relaywire.io/realtime/connection/message"
)

func subscribeCmd(flags *globalFlags) *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "subscribe <channel> [name...]",
		Short: "Print messages published on a channel",
		Long: `Attach to a channel and print every message published on it, or only those with
one of the given names, as one json object per line until interrupted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			client, closeClient, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer closeClient()

			ch := client.Channels().GetWithOptions(args[0], channel.ChannelOptions{Params: params})
			ch.On(func(change channel.StateChange) {
				if change.Reason != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "channel %s: %s\n", change.Current, change.Reason)
				}
			})

			if _, err := ch.Subscribe(ctx, func(msg *message.Message) { printJSON(msg) }, args[1:]...); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&params, "param", nil, "Channel params sent on attach, e.g. --param rewind=10")

	return cmd
}

func publishCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "publish <channel> <name> <data>",
		Short: "Publish a message on a channel",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data interface{} = args[2]
			if asJSON {
				if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
					return fmt.Errorf("data is not valid json: %w", err)
				}
			}

			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			client, closeClient, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer closeClient()

			if err := client.Channel(args[0]).Publish(ctx, args[1], data); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "published")
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Send data as a json value instead of a string")

	return cmd
}

func presenceCmd(flags *globalFlags) *cobra.Command {
	var enter string
	var watch bool

	cmd := &cobra.Command{
		Use:   "presence <channel>",
		Short: "List the members present on a channel",
		Long: `List the members present on a channel. With --enter the client joins first under
its configured clientId; with --watch it keeps printing presence changes until
interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			client, closeClient, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer closeClient()

			presence := client.Channel(args[0]).Presence()
			if cmd.Flags().Changed("enter") {
				if err := presence.Enter(ctx, enter); err != nil {
					return err
				}
			}

			members, err := presence.Get(ctx, channel.GetParams{})
			if err != nil {
				return err
			}
			for _, member := range members {
				printJSON(member)
			}

			if !watch {
				return nil
			}
			if _, err := presence.Subscribe(ctx, func(msg *message.PresenceMessage) { printJSON(msg) }); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&enter, "enter", "", "Enter the channel with this data before listing")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing presence changes")

	return cmd
}

func historyCmd(flags *globalFlags) *cobra.Command {
	var limit int
	var direction string
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "history <channel>",
		Short: "Print the messages previously published on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction = strings.ToLower(direction)
			if direction != "backwards" && direction != "forwards" {
				return fmt.Errorf("direction must be backwards or forwards, not %q", direction)
			}

			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			client, closeClient, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer closeClient()

			params := channel.HistoryParams{Direction: direction, Limit: limit}
			if since > 0 {
				params.Start = time.Now().Add(-since)
			}

			page, err := client.Channel(args[0]).History(ctx, params)
			if err != nil {
				return err
			}
			for _, msg := range page.Items {
				printJSON(msg)
			}
			if page.Next != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "more: %s\n", page.Next)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of messages")
	cmd.Flags().StringVar(&direction, "direction", "backwards", "backwards or forwards")
	cmd.Flags().DurationVar(&since, "since", 0, "Only messages published within this duration")

	return cmd
}
