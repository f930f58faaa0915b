package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipcash2-billing/tokens"
	"github.com/code-payments/flipcash2-billing/tokens/tests"
)

func TestTokens_SqliteStore(t *testing.T) {
	testStore, closeFn, err := Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	defer closeFn()

	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestTokens_SqliteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	first, closeFirst, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.MarkTokenProcessed(ctx, "persisted"))
	require.NoError(t, closeFirst())

	second, closeSecond, err := Open(ctx, path)
	require.NoError(t, err)
	defer closeSecond()

	processed, err := second.IsTokenProcessed(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, tokens.ErrExists, second.MarkTokenProcessed(ctx, "persisted"))
}
