package tokens

import (
	"context"
	"errors"
)

var (
	ErrExists   = errors.New("token already processed")
	ErrNotFound = errors.New("token not found")
)

// Store is the device-persisted set of purchase tokens that have already been
// finalized.
type Store interface {
	// IsTokenProcessed reports whether a token has been recorded
	IsTokenProcessed(ctx context.Context, token string) (bool, error)

	// MarkTokenProcessed records a token. ErrExists is returned if the token
	// was already recorded, in which case the store is unchanged.
	MarkTokenProcessed(ctx context.Context, token string) error

	// GetProcessedTokens returns every recorded token in lexical order
	GetProcessedTokens(ctx context.Context) ([]string, error)

	// RetainTokens removes every recorded token not present in active
	RetainTokens(ctx context.Context, active []string) error
}
