package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqlbench/api/internal/config"
	"github.com/sqlbench/api/internal/database"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Fprintln(cmd.OutOrStdout(), "Connection successful!")

	if err := database.RunMigrations(cfg.DatabaseURL, logger); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Schema up to date")
	return nil
}
