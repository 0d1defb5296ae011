package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/config"
	"github.com/lalithlochan/mailcore/internal/db"
	"github.com/lalithlochan/mailcore/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("nothing to migrate for STORE_DRIVER=%s", cfg.StoreDriver)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: 2,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	res, err := db.Migrate(ctx, database.Pool(), os.DirFS(cfg.MigrationsDir), logger)
	if err != nil {
		return err
	}

	logger.Info("migrations complete",
		zap.String("dir", cfg.MigrationsDir),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
	)
	return nil
}
