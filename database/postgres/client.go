package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// NewPool opens a pgx pool for a database URL and verifies connectivity
func NewPool(ctx context.Context, databaseUrl string, maxConns int) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseUrl)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing database url")
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "error creating pgx pool")
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "error pinging database")
	}

	return pool, nil
}
