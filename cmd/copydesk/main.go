package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/copydesk/pkg/config"
)

var version = "dev"

const defaultConfigPath = "copydesk.yaml"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "copydesk",
		Short:         "Copydesk: cached, quota-guarded product copy generation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		cfg, err := config.Load(configPath, !cmd.Flags().Changed("config"))
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newGenerateCmd(load),
		newUsageCmd(load),
		newCacheCmd(load),
		newHistoryCmd(load),
		newMCPCmd(load),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configLoader loads the config named by the root --config flag.
type configLoader func(cmd *cobra.Command) (*config.Config, error)
