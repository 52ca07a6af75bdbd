// Package store selects and opens the configured storage driver.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"candle-engine/config"
	"candle-engine/internal/model"
	"candle-engine/internal/store/memory"
	"candle-engine/internal/store/postgres"
	"candle-engine/internal/store/sqlite"
)

// Backend is what every driver provides.
type Backend interface {
	model.Storage
	model.QueryStore
	Ping(ctx context.Context) error
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open connects to the driver named in cfg. Postgres migrations run first
// when cfg.RunMigrations is set.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create %s: %w", dir, err)
			}
		}
		s, err := sqlite.Open(sqlite.Config{DBPath: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.RunMigrations {
			if err := postgres.Migrate(ctx, cfg.DSN); err != nil {
				return nil, err
			}
		}
		s, err := postgres.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
