package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rinsane/distbuild/internal/config"
	"github.com/rinsane/distbuild/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "distbuild",
	Short:   "distbuild - a distributed build executor",
	Long:    `distbuild schedules content-addressed jobs across a pool of workers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("distbuild version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config.toml (overrides discovery order)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(casCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobCmd)
}

// initLogging seeds level/json-mode from config.toml's [log] section,
// then lets explicitly-set --log-level/--log-json flags override it.
func initLogging() {
	cfg, err := loadConfig(rootCmd)
	if err != nil {
		cfg = config.Default()
	}

	flags := rootCmd.PersistentFlags()
	logLevel := cfg.Log.Level
	if flags.Changed("log-level") {
		logLevel, _ = flags.GetString("log-level")
	} else if logLevel == "" {
		logLevel, _ = flags.GetString("log-level")
	}

	logJSON := cfg.Log.JSON
	if flags.Changed("log-json") {
		logJSON, _ = flags.GetBool("log-json")
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
