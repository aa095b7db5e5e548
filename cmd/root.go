// Package cmd wires the relay CLI: the broker server plus client commands
// that dispatch work to a channel's host.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nicebartender/canvas-relay/channelcode"
	"github.com/nicebartender/canvas-relay/config"
	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/transport"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// app is filled in by the root command before any subcommand runs.
type app struct {
	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "WebSocket relay between automation agents and a canvas host",
		Long:          "relay runs a channel broker and dispatches correlated commands to the host joined to a channel, with progress-aware timeouts and batch execution.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			load := config.Load
			if configPath != "" {
				load = func() (*config.Config, error) { return config.LoadFile(configPath) }
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := logger.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			logger.SetDefault(log)
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./relay.yaml or ~/.config/relay/relay.yaml)")

	rootCmd.AddCommand(
		newServeCmd(a),
		newCallCmd(a),
		newBatchCmd(a),
		newChannelCmd(a),
		newStatusCmd(a),
	)
	return rootCmd
}

// targetFlags select the broker and channel a client command talks to.
type targetFlags struct {
	broker  string
	channel string
	code    string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.broker, "broker", "", "Broker URL (default: transport.brokerUrl)")
	cmd.Flags().StringVar(&f.channel, "channel", "", "Channel to join (default: dispatcher.channel)")
	cmd.Flags().StringVar(&f.code, "code", "", "Channel code carrying both broker and channel")
}

// resolve applies flags over config. A channel code wins over both.
func (f *targetFlags) resolve(cfg *config.Config) (brokerURL, channel string, err error) {
	if f.code != "" {
		return channelcode.Decode(f.code)
	}
	brokerURL = cfg.Transport.BrokerURL
	if f.broker != "" {
		brokerURL = f.broker
	}
	channel = cfg.Dispatcher.Channel
	if f.channel != "" {
		channel = f.channel
	}
	if channel == "" {
		return "", "", fmt.Errorf("no channel: pass --channel or --code, or set dispatcher.channel")
	}
	return transport.NormalizeURL(brokerURL), channel, nil
}
