package main

import (
	"github.com/spf13/cobra"

	"github.com/rinsane/distbuild/internal/config"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}
