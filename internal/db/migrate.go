package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MigrationResult counts what Migrate did.
type MigrationResult struct {
	Applied int
	Skipped int
}

// Migrate applies every *.up.sql file of fsys in name order, recording each
// in schema_migrations so reruns skip it.
func Migrate(ctx context.Context, pool Pool, fsys fs.FS, logger *zap.Logger) (MigrationResult, error) {
	var res MigrationResult

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return res, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return res, fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		name := entry.Name()

		var applied bool
		err := pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&applied)
		if err != nil {
			return res, fmt.Errorf("check applied %s: %w", name, err)
		}
		if applied {
			logger.Info("skip migration", zap.String("name", name))
			res.Skipped++
			continue
		}

		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", name, err)
		}

		start := time.Now()
		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return res, fmt.Errorf("execute %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name,
		); err != nil {
			return res, fmt.Errorf("mark applied %s: %w", name, err)
		}

		res.Applied++
		logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return res, nil
}
