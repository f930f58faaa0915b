package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/code-payments/flipcash2-billing/tokens"
)

type store struct {
	pool *pgxpool.Pool
}

func NewInPostgres(pool *pgxpool.Pool) tokens.Store {
	return &store{
		pool: pool,
	}
}

func (s *store) IsTokenProcessed(ctx context.Context, token string) (bool, error) {
	_, err := dbGetToken(ctx, s.pool, token)
	switch err {
	case nil:
		return true, nil
	case tokens.ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (s *store) MarkTokenProcessed(ctx context.Context, token string) error {
	if len(token) == 0 {
		return errors.New("token is required")
	}

	m := &model{Token: token}
	return m.dbPut(ctx, s.pool)
}

func (s *store) GetProcessedTokens(ctx context.Context) ([]string, error) {
	models, err := dbGetAllTokens(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	res := make([]string, len(models))
	for i, m := range models {
		res[i] = m.Token
	}
	return res, nil
}

func (s *store) RetainTokens(ctx context.Context, active []string) error {
	return dbRetainTokens(ctx, s.pool, active)
}

func (s *store) reset() {
	_, err := s.pool.Exec(context.Background(), "DELETE FROM "+tokensTableName)
	if err != nil {
		panic(err)
	}
}
