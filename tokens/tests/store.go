package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipcash2-billing/tokens"
)

func RunStoreTests(t *testing.T, s tokens.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s tokens.Store){
		testTokenStore_HappyPath,
		testTokenStore_RetainTokens,
		testTokenStore_ConcurrentMarks,
	} {
		tf(t, s)
		teardown()
	}
}

func testTokenStore_HappyPath(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	processed, err := s.IsTokenProcessed(ctx, "token1")
	require.NoError(t, err)
	require.False(t, processed)

	all, err := s.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	require.NoError(t, s.MarkTokenProcessed(ctx, "token1"))

	processed, err = s.IsTokenProcessed(ctx, "token1")
	require.NoError(t, err)
	require.True(t, processed)

	processed, err = s.IsTokenProcessed(ctx, "token2")
	require.NoError(t, err)
	require.False(t, processed)

	require.Equal(t, tokens.ErrExists, s.MarkTokenProcessed(ctx, "token1"))

	require.NoError(t, s.MarkTokenProcessed(ctx, "token0"))

	all, err = s.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"token0", "token1"}, all)
}

func testTokenStore_RetainTokens(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	for _, token := range []string{"a", "b", "c"} {
		require.NoError(t, s.MarkTokenProcessed(ctx, token))
	}

	require.NoError(t, s.RetainTokens(ctx, []string{"b", "c", "d"}))

	all, err := s.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, all)

	processed, err := s.IsTokenProcessed(ctx, "a")
	require.NoError(t, err)
	require.False(t, processed)

	require.NoError(t, s.RetainTokens(ctx, nil))

	all, err = s.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func testTokenStore_ConcurrentMarks(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	const workers = 16

	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.MarkTokenProcessed(ctx, "contended")
		}()
	}
	wg.Wait()
	close(results)

	var successes, exists int
	for err := range results {
		switch err {
		case nil:
			successes++
		case tokens.ErrExists:
			exists++
		default:
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, exists)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.MarkTokenProcessed(ctx, fmt.Sprintf("distinct%d", i)))
	}

	all, err := s.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Len(t, all, 6)
}
