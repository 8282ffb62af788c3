package main

import (
	"context"
	"time"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/database"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		s, err := database.OpenStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer s.Close()

		logger.Log.Info("schema is up to date", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}
