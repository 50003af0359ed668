package internal

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// OpenRiverPool opens the pgx pool backing the river job tables.
func OpenRiverPool(ctx context.Context, cfg RiverConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("river dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// MigrateRiver applies river's schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return err
	}
	logger := NewLogger("river")
	for _, version := range res.Versions {
		logger.Printf("migration applied version=%d", version.Version)
	}
	return nil
}

// RiverLogger is the structured logger handed to river clients.
func RiverLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("component", loggerPrefix+"/river")
}
