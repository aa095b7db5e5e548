package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nicebartender/canvas-relay/channelcode"
	"github.com/nicebartender/canvas-relay/transport"
)

func newChannelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Create and inspect channel codes",
	}
	cmd.AddCommand(newChannelNewCmd(a), newChannelDecodeCmd())
	return cmd
}

func newChannelNewCmd(a *app) *cobra.Command {
	var brokerURL string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a random channel name and a shareable code for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if brokerURL == "" {
				brokerURL = a.cfg.Transport.BrokerURL
			}
			name, err := channelcode.NewName()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "channel: %s\n", name)
			fmt.Fprintf(out, "broker:  %s\n", transport.NormalizeURL(brokerURL))
			fmt.Fprintf(out, "code:    %s\n", channelcode.Encode(brokerURL, name))
			return nil
		},
	}
	cmd.Flags().StringVar(&brokerURL, "broker", "", "Broker URL to embed (default: transport.brokerUrl)")
	return cmd
}

func newChannelDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <code>",
		Short: "Show the broker and channel inside a code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			brokerURL, channel, err := channelcode.Decode(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "channel: %s\n", channel)
			fmt.Fprintf(out, "broker:  %s\n", brokerURL)
			return nil
		},
	}
}
