package main

import (
	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/log"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "antcode",
	Short: "AntCode task scheduling master",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "emit JSON logs instead of console output")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the antcode root command.
func Execute() error {
	return rootCmd.Execute()
}
