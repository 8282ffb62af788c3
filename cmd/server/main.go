package main

import (
	"fmt"
	"os"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "quizledger",
	Short: "Balance ledger and approval workflow for the crypto quiz platform",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(configFile); err != nil {
			// defaults and environment still apply
			fmt.Fprintf(os.Stderr, "config file not loaded: %v\n", err)
		}
		cfg := config.Load()
		if err := logger.Initialize(cfg.LogLevel); err != nil {
			return err
		}
		for _, w := range cfg.Warnings {
			logger.Log.Warn("invalid setting", zap.String("detail", w))
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", ".env", "path to the .env config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Log.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
