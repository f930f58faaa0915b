package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	pg "github.com/code-payments/flipcash2-billing/database/postgres"
	"github.com/code-payments/flipcash2-billing/tokens"
)

const (
	tokensTableName = "billing_processed_token"
	allTokenFields  = `"token", "createdAt"`

	uniqueViolationCode = "23505"
)

// Schema creates the processed token table
const Schema = `CREATE TABLE IF NOT EXISTS ` + tokensTableName + ` (
	"token" TEXT PRIMARY KEY,
	"createdAt" TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type model struct {
	Token     string    `db:"token"`
	CreatedAt time.Time `db:"createdAt"`
}

func (m *model) dbPut(ctx context.Context, pool *pgxpool.Pool) error {
	return pg.ExecuteInTx(ctx, pool, func(tx pgx.Tx) error {
		query := `INSERT INTO ` + tokensTableName + `(` + allTokenFields + `) VALUES ($1, NOW()) RETURNING ` + allTokenFields
		err := pgxscan.Get(
			ctx,
			tx,
			m,
			query,
			m.Token,
		)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return tokens.ErrExists
		}
		return err
	})
}

func dbGetToken(ctx context.Context, pool *pgxpool.Pool, token string) (*model, error) {
	res := &model{}
	query := `SELECT ` + allTokenFields + ` FROM ` + tokensTableName + ` WHERE "token" = $1`
	err := pgxscan.Get(
		ctx,
		pool,
		res,
		query,
		token,
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, tokens.ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

func dbGetAllTokens(ctx context.Context, pool *pgxpool.Pool) ([]*model, error) {
	var res []*model
	query := `SELECT ` + allTokenFields + ` FROM ` + tokensTableName + ` ORDER BY "token" ASC`
	err := pgxscan.Select(
		ctx,
		pool,
		&res,
		query,
	)
	if err != nil && !pgxscan.NotFound(err) {
		return nil, err
	}
	return res, nil
}

func dbRetainTokens(ctx context.Context, pool *pgxpool.Pool, active []string) error {
	if active == nil {
		active = []string{}
	}
	return pg.ExecuteInTx(ctx, pool, func(tx pgx.Tx) error {
		query := `DELETE FROM ` + tokensTableName + ` WHERE NOT ("token" = ANY($1))`
		_, err := tx.Exec(ctx, query, active)
		return err
	})
}
