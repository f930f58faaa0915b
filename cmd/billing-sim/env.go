package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-billing/config"
	pg "github.com/code-payments/flipcash2-billing/database/postgres"
	"github.com/code-payments/flipcash2-billing/tokens"
	tokens_cache "github.com/code-payments/flipcash2-billing/tokens/cache"
	tokens_memory "github.com/code-payments/flipcash2-billing/tokens/memory"
	tokens_postgres "github.com/code-payments/flipcash2-billing/tokens/postgres"
	tokens_sqlite "github.com/code-payments/flipcash2-billing/tokens/sqlite"
)

type env struct {
	config *config.Config
	log    *zap.Logger
	tokens tokens.Store
	close  func()
}

func newEnv(ctx context.Context, configPath string) (*env, error) {
	c, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := c.NewLogger()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openTokenStore(ctx, log, c.TokenStore)
	if err != nil {
		return nil, err
	}

	return &env{
		config: c,
		log:    log,
		tokens: store,
		close: func() {
			closeStore()
			_ = log.Sync()
		},
	}, nil
}

func openTokenStore(ctx context.Context, log *zap.Logger, c config.TokenStoreConfig) (tokens.Store, func(), error) {
	var store tokens.Store
	closeFn := func() {}

	switch c.Driver {
	case config.TokenStoreMemory:
		store = tokens_memory.NewInMemory()
	case config.TokenStoreSqlite:
		db, closeDB, err := tokens_sqlite.Open(ctx, c.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "error opening sqlite token store")
		}
		store = db
		closeFn = func() {
			if err := closeDB(); err != nil {
				log.With(zap.Error(err)).Warn("Failed to close sqlite token store")
			}
		}
	case config.TokenStorePostgres:
		pool, err := pg.NewPool(ctx, c.DSN, 0)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.ApplySchema(ctx, pool, tokens_postgres.Schema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store = tokens_postgres.NewInPostgres(pool)
		closeFn = pool.Close
	default:
		return nil, nil, errors.Errorf("unknown token store driver %q", c.Driver)
	}

	if c.CacheTTL > 0 {
		store = tokens_cache.NewInCache(store, c.CacheTTL)
	}

	log.Debug("Opened token store", zap.String("driver", c.Driver), zap.Duration("cache_ttl", c.CacheTTL))
	return store, closeFn, nil
}
