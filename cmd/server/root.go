package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omochice/pairchat/internal/config"
)

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	rootCmd := &cobra.Command{
		Use:           "pairchat",
		Short:         "pairchat: a two-party real-time chat relay",
		Long:          "pairchat relays short text messages between pairs of authenticated users over WebSocket, tracks who is online and keeps the history of every conversation.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./pairchat.toml when present)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
	)

	return rootCmd
}
