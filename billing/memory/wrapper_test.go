package memory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipcash2-billing/billing/tests"
	"github.com/code-payments/flipcash2-billing/tokens"
	tokens_cache "github.com/code-payments/flipcash2-billing/tokens/cache"
	tokens_memory "github.com/code-payments/flipcash2-billing/tokens/memory"
	tokens_sqlite "github.com/code-payments/flipcash2-billing/tokens/sqlite"
)

func TestWrapper_MemoryTokenStore(t *testing.T) {
	testStore := tokens_memory.NewInMemory()
	tests.RunWrapperTests(t, testStore, clearTokens(t, testStore))
}

func TestWrapper_SqliteTokenStore(t *testing.T) {
	testStore, closeFn, err := tokens_sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	defer closeFn()

	tests.RunWrapperTests(t, testStore, clearTokens(t, testStore))
}

func TestWrapper_CachedTokenStore(t *testing.T) {
	testStore := tokens_cache.NewInCache(tokens_memory.NewInMemory(), time.Minute)
	tests.RunWrapperTests(t, testStore, clearTokens(t, testStore))
}

func clearTokens(t *testing.T, s tokens.Store) func() {
	return func() {
		require.NoError(t, s.RetainTokens(context.Background(), nil))
	}
}
