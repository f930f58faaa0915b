package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipcash2-billing/tokens"
	"github.com/code-payments/flipcash2-billing/tokens/memory"
	"github.com/code-payments/flipcash2-billing/tokens/tests"
)

func TestTokens_CacheStore(t *testing.T) {
	testStore := NewInCache(memory.NewInMemory(), time.Minute)
	teardown := func() {
		require.NoError(t, testStore.RetainTokens(context.Background(), nil))
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestTokens_CacheServesPositiveHits(t *testing.T) {
	ctx := context.Background()

	db := &countingStore{Store: memory.NewInMemory()}
	cached := NewInCache(db, time.Minute)

	processed, err := cached.IsTokenProcessed(ctx, "token")
	require.NoError(t, err)
	require.False(t, processed)
	require.Equal(t, 1, db.reads)

	processed, err = cached.IsTokenProcessed(ctx, "token")
	require.NoError(t, err)
	require.False(t, processed)
	require.Equal(t, 2, db.reads)

	require.NoError(t, cached.MarkTokenProcessed(ctx, "token"))

	for i := 0; i < 3; i++ {
		processed, err = cached.IsTokenProcessed(ctx, "token")
		require.NoError(t, err)
		require.True(t, processed)
	}
	require.Equal(t, 2, db.reads)

	require.NoError(t, cached.RetainTokens(ctx, nil))

	processed, err = cached.IsTokenProcessed(ctx, "token")
	require.NoError(t, err)
	require.False(t, processed)
	require.Equal(t, 3, db.reads)
}

type countingStore struct {
	tokens.Store
	reads int
}

func (s *countingStore) IsTokenProcessed(ctx context.Context, token string) (bool, error) {
	s.reads++
	return s.Store.IsTokenProcessed(ctx, token)
}
