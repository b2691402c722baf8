package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/capturer/internal/config"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "capturer",
		Short:         "Watch screen regions for activity and email periodic reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "path to the YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newDisplaysCmd(),
		newKeygenCmd(),
		newSealCmd(),
		newReportCmd(),
		newGmailCmd(),
	)
	return root
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewFileStore(configPath).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
