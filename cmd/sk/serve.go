package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/shopkeep/internal/config"
	"github.com/zulandar/shopkeep/internal/daemon"
	"github.com/zulandar/shopkeep/internal/db"
	"github.com/zulandar/shopkeep/internal/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the shopkeep daemon",
		Long: `Starts one session per enabled credential and keeps them online until
interrupted. Credential changes made with 'sk credential' are picked up
without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to shopkeep config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	d, err := daemon.New(daemon.Opts{DB: gormDB, Config: cfg, Logger: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting", zap.String("version", Version), zap.String("config", configPath))
	return d.Run(ctx)
}

// connectFromConfig loads the config file and opens the configured database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, gormDB, nil
}
