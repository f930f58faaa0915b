package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/flipcash2-billing/tokens"
)

// Cache fronts a token store with an in-process cache of processed tokens.
// Only positive results are cached, since a token never becomes unprocessed
// except through RetainTokens.
type Cache struct {
	db  tokens.Store
	ttl time.Duration

	mu        sync.RWMutex
	processed *ttlcache.Cache
}

func NewInCache(db tokens.Store, ttl time.Duration) tokens.Store {
	return &Cache{
		db:        db,
		processed: ttlcache.NewCache(),
		ttl:       ttl,
	}
}

func (c *Cache) IsTokenProcessed(ctx context.Context, token string) (bool, error) {
	c.mu.RLock()
	_, ok := c.processed.Get(token)
	c.mu.RUnlock()
	if ok {
		return true, nil
	}

	isProcessed, err := c.db.IsTokenProcessed(ctx, token)
	if err == nil && isProcessed {
		c.remember(token)
	}
	return isProcessed, err
}

func (c *Cache) MarkTokenProcessed(ctx context.Context, token string) error {
	err := c.db.MarkTokenProcessed(ctx, token)
	if err == nil || err == tokens.ErrExists {
		c.remember(token)
	}
	return err
}

func (c *Cache) GetProcessedTokens(ctx context.Context) ([]string, error) {
	return c.db.GetProcessedTokens(ctx)
}

func (c *Cache) RetainTokens(ctx context.Context, active []string) error {
	err := c.db.RetainTokens(ctx, active)

	c.mu.Lock()
	c.processed.Close()
	c.processed = ttlcache.NewCache()
	c.mu.Unlock()

	return err
}

func (c *Cache) remember(token string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.processed.SetWithTTL(token, true, c.ttl)
}
