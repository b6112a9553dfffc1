package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"market-pulse-bot/internal/app"
	"market-pulse-bot/internal/config"
	"market-pulse-bot/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
	logCloser func()
)

var rootCmd = &cobra.Command{
	Use:   "pulsebot",
	Short: "Publish ETH/BTC market analysis on a fixed cadence",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, closer, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		logCloser = closer

		appHandle = app.NewApp(cfg, cfgFile, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
