//go:build integration

package pg_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	pg "github.com/code-payments/flipcash2-billing/database/postgres"
	pgtest "github.com/code-payments/flipcash2-billing/database/postgres/test"
)

const testSchema = `CREATE TABLE IF NOT EXISTS tx_test (value TEXT PRIMARY KEY)`

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	env, err := pgtest.NewTestEnv(ctx, testSchema)
	if err != nil {
		panic(err)
	}

	testPool, err = pg.NewPool(ctx, env.DatabaseUrl, 4)
	if err != nil {
		env.Close()
		panic(err)
	}

	code := m.Run()
	testPool.Close()
	env.Close()
	os.Exit(code)
}

func insert(ctx context.Context, value string) error {
	return pg.ExecuteInTx(ctx, testPool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO tx_test (value) VALUES ($1)`, value)
		return err
	})
}

func count(t *testing.T) int {
	var res int
	require.NoError(t, testPool.QueryRow(context.Background(), `SELECT COUNT(*) FROM tx_test`).Scan(&res))
	return res
}

func TestTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	_, err := testPool.Exec(ctx, `DELETE FROM tx_test`)
	require.NoError(t, err)

	expected := errors.New("abort")
	err = pg.WithTx(ctx, testPool, func(ctx context.Context) error {
		require.NoError(t, insert(ctx, "a"))
		require.NoError(t, insert(ctx, "b"))
		return expected
	})
	require.Equal(t, expected, err)
	require.Zero(t, count(t))

	err = pg.WithTx(ctx, testPool, func(ctx context.Context) error {
		require.NoError(t, insert(ctx, "a"))
		require.NoError(t, insert(ctx, "b"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, count(t))

	require.NoError(t, insert(ctx, "c"))
	require.Equal(t, 3, count(t))
}

func TestTx_NestedNotAllowed(t *testing.T) {
	ctx := context.Background()

	err := pg.WithTx(ctx, testPool, func(ctx context.Context) error {
		return pg.WithTx(ctx, testPool, func(context.Context) error {
			return nil
		})
	})
	require.Equal(t, pg.ErrAlreadyInTx, err)
}
