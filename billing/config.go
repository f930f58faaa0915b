package billing

import (
	"time"
)

const (
	DefaultBackoffBase               = time.Second
	DefaultBackoffMax                = 15 * time.Minute
	DefaultPurchaseUpdateDedupWindow = 5 * time.Second
)

type Config struct {
	// BackoffBase is the reconnect delay after the first failure and after
	// any successful connection.
	BackoffBase time.Duration

	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration

	// RetryableCodes are the connection failure codes that schedule a
	// reconnect. Every other code is terminal.
	RetryableCodes []ResponseCode

	// PurchaseUpdateDedupWindow is how long an identical purchase update
	// batch is suppressed after first delivery.
	PurchaseUpdateDedupWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		BackoffBase:               DefaultBackoffBase,
		BackoffMax:                DefaultBackoffMax,
		RetryableCodes:            DefaultRetryableCodes(),
		PurchaseUpdateDedupWindow: DefaultPurchaseUpdateDedupWindow,
	}
}

// DefaultRetryableCodes are transient service errors, timeouts, user
// cancellation of the connection prompt and service disconnection.
func DefaultRetryableCodes() []ResponseCode {
	return []ResponseCode{
		ResponseServiceTimeout,
		ResponseError,
		ResponseServiceUnavailable,
		ResponseUserCanceled,
		ResponseServiceDisconnected,
	}
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = DefaultBackoffMax
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	if c.RetryableCodes == nil {
		c.RetryableCodes = DefaultRetryableCodes()
	}
	if c.PurchaseUpdateDedupWindow <= 0 {
		c.PurchaseUpdateDedupWindow = DefaultPurchaseUpdateDedupWindow
	}
	return c
}

// RetryPolicy classifies connection failure codes.
type RetryPolicy struct {
	retryable map[ResponseCode]struct{}
}

func NewRetryPolicy(codes []ResponseCode) *RetryPolicy {
	retryable := make(map[ResponseCode]struct{}, len(codes))
	for _, code := range codes {
		retryable[code] = struct{}{}
	}
	return &RetryPolicy{retryable: retryable}
}

func (p *RetryPolicy) IsRetryable(code ResponseCode) bool {
	_, ok := p.retryable[code]
	return ok
}
