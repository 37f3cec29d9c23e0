package main

import (
	"github.com/spf13/cobra"

	"mindbridge/internal/config"
	"mindbridge/internal/observability"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          "mindbridge",
		Short:        "Presence, availability and session routing for the support platform",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (toml, yaml or json); defaults to ./mindbridge.* or /etc/mindbridge/mindbridge.*")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newTherapistCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the config and points the global logger at its settings.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	observability.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
