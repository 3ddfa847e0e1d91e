// Package main provides the entry point for the a2arelay CLI: serving
// the agent-to-agent calling runtime and operating its token and log
// stores from the command line.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/logger"
)

func init() {
	config.RegisterDefaults()
}

var rootCmd = &cobra.Command{
	Use:   "a2arelay",
	Short: "a2arelay is an agent-to-agent calling runtime",
	Long:  `a2arelay accepts scoped, token-authenticated HTTP calls from other agents and drives outbound calls against peers.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	cobra.OnInitialize(func() {
		if logLevel := viper.GetString("log_level"); logLevel != "" {
			if err := logger.SetLogLevel(logLevel); err != nil {
				logger.G(context.TODO()).WithField("error", err).WithField("log_level", logLevel).Warn("invalid log level, using default")
			}
		}
		if logFormat := viper.GetString("log_format"); logFormat != "" {
			logger.SetLogFormat(logFormat)
		}
	})

	rootCmd.PersistentFlags().String("config-dir", "", "base directory for persistent state (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "log format (json, text, fmt)")
	viper.BindPFlag("config_dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
