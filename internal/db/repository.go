package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the Postgres implementation of every store the core
// services depend on. Methods are grouped by table across files.
type Repository struct {
	pool   Pool
	logger *zap.Logger
}

// NewRepository creates a repository on an open database.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return NewRepositoryWithPool(db.Pool(), logger)
}

// NewRepositoryWithPool creates a repository on any Pool implementation.
func NewRepositoryWithPool(pool Pool, logger *zap.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// inTx runs fn inside a transaction, committing on success.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

// jsonOrNil marshals v for a JSONB column, mapping empty values to NULL.
func jsonOrNil(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
