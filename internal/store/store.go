// Package store persists generation records. Postgres is the production
// backend; SQLite serves single-node development and tests.
package store

import (
	"context"
	"fmt"

	"og-image-service/internal/config"
	"og-image-service/internal/models"
)

// Backend is the record store contract both implementations satisfy.
type Backend interface {
	Create(ctx context.Context, p models.NewRecord) (models.Record, error)
	Get(ctx context.Context, id string) (models.Record, error)
	LatestForURL(ctx context.Context, url string) (models.Record, error)
	Transition(ctx context.Context, id string, next models.State) error
	Ping(ctx context.Context) error
	Close()
}

// Open connects the configured backend and brings its schema up to date.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
