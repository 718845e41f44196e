package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/elogd/internal/config"
	"github.com/untoldecay/elogd/internal/logging"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "elogd",
	Short: "Electronic logbook server",
	Long: `elogd serves an electronic logbook: hierarchical logbooks with
typed attributes, revisioned entries and followup threads, attachments
and edit locks, all over a JSON API backed by a single SQLite file.

Configuration is read from elogd.yaml (current directory, the user
config directory or /etc/elogd), or from ELOGD_* environment
variables. See 'elogd serve --help' for the server itself.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(configFile); err != nil {
			return err
		}
		logging.Setup(logging.Options{
			Level:      config.GetString("log.level"),
			File:       config.GetString("log.file"),
			MaxSizeMB:  config.GetInt("log.max_size_mb"),
			MaxBackups: config.GetInt("log.max_backups"),
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (default: elogd.yaml on the search path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
