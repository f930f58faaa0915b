package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/code-payments/flipcash2-billing/tokens"

	_ "modernc.org/sqlite"
)

const (
	driverName      = "sqlite"
	tokensTableName = "processed_token"
)

const schema = `CREATE TABLE IF NOT EXISTS ` + tokensTableName + ` (
	token      TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
)`

type model struct {
	Token     string `db:"token"`
	CreatedAt int64  `db:"created_at"`
}

type store struct {
	db *sqlx.DB
}

// Open opens, and creates if needed, a device-local token database at path.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (tokens.Store, func() error, error) {
	db, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error opening sqlite database")
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "error creating token table")
	}

	return &store{db: db}, db.Close, nil
}

func (s *store) IsTokenProcessed(ctx context.Context, token string) (bool, error) {
	var res model
	err := s.db.GetContext(ctx, &res, `SELECT token, created_at FROM `+tokensTableName+` WHERE token = ?`, token)
	if err == nil {
		return true, nil
	} else if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, err
}

func (s *store) MarkTokenProcessed(ctx context.Context, token string) error {
	if len(token) == 0 {
		return errors.New("token is required")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO `+tokensTableName+` (token, created_at) VALUES (?, ?)`,
		token,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return tokens.ErrExists
	}
	return nil
}

func (s *store) GetProcessedTokens(ctx context.Context) ([]string, error) {
	var res []string
	err := s.db.SelectContext(ctx, &res, `SELECT token FROM `+tokensTableName+` ORDER BY token ASC`)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []string{}
	}
	return res, nil
}

func (s *store) RetainTokens(ctx context.Context, active []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(active) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tokensTableName); err != nil {
			return err
		}
		return tx.Commit()
	}

	query, args, err := sqlx.In(`DELETE FROM `+tokensTableName+` WHERE token NOT IN (?)`, active)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *store) reset() {
	_, err := s.db.Exec(`DELETE FROM ` + tokensTableName)
	if err != nil {
		panic(err)
	}
}
