package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	defaultIsolationLevel = pgx.ReadCommitted
)

type txContextKey struct{}

var (
	ErrAlreadyInTx = errors.New("already executing in existing db tx")
	ErrNotInTx     = errors.New("not executing in existing db tx")
)

// WithTx runs fn within a transaction carried by the returned context. Store
// calls made with that context join the transaction instead of starting their
// own. The transaction commits if fn returns nil.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context) error) error {
	if _, err := getTxFromCtx(ctx); err == nil {
		return ErrAlreadyInTx
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: defaultIsolationLevel,
	})
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	err = fn(context.WithValue(ctx, txContextKey{}, tx))
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return tx.Commit(ctx)
}

// ExecuteInTx is meant for DB store implementations to execute an operation
// within a transaction, reusing the one started by WithTx when present.
func ExecuteInTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := getTxFromCtx(ctx)
	if err == nil {
		return fn(tx)
	} else if err != ErrNotInTx {
		return err
	}

	return WithTx(ctx, pool, func(ctx context.Context) error {
		tx, err := getTxFromCtx(ctx)
		if err != nil {
			return err
		}
		return fn(tx)
	})
}

// ApplySchema executes each schema statement in order.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schemas ...string) error {
	for _, schema := range schemas {
		if _, err := pool.Exec(ctx, schema); err != nil {
			return errors.Wrap(err, "error applying schema")
		}
	}
	return nil
}

func getTxFromCtx(ctx context.Context) (pgx.Tx, error) {
	txFromCtx := ctx.Value(txContextKey{})
	if txFromCtx == nil {
		return nil, ErrNotInTx
	}

	tx, ok := txFromCtx.(pgx.Tx)
	if !ok {
		return nil, errors.New("invalid type for tx")
	}
	return tx, nil
}
