package main

import (
	"context"
	"fmt"
	"os"

	"github.com/scanly/scanly/pkg/scanly/config"
	"github.com/scanly/scanly/pkg/scanly/database"
	"github.com/scanly/scanly/pkg/scanly/logging"
	"github.com/scanly/scanly/pkg/scanly/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// @title Scanly API
// @version 1.0
// @description Short links and QR codes with expiry, scan limits, passwords and A/B tests.

// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT token or API key. Format: "Bearer {token}"

var cfgFile string

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scanly-server",
		Short:         "Short link and QR code redirect server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	})
	return root
}

// bootstrap loads configuration, builds the logger and opens a migrated database.
func bootstrap() (*config.Config, *zap.Logger, *gorm.DB, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Server.Debug)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := database.Connect(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("Database migrations completed", zap.String("driver", cfg.Database.Driver))

	return cfg, log, db, nil
}

func runMigrate() error {
	_, log, _, err := bootstrap()
	if err != nil {
		return err
	}
	_ = log.Sync()
	return nil
}
