package billing

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectBackoff doubles the reconnect delay on every consecutive failure up
// to a cap. The upcoming delay is pre-computed so it can be inspected without
// advancing the schedule.
type reconnectBackoff struct {
	policy *backoff.ExponentialBackOff
	next   time.Duration
}

func newReconnectBackoff(base, max time.Duration) *reconnectBackoff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = max
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	b := &reconnectBackoff{policy: policy}
	b.reset()
	return b
}

func (b *reconnectBackoff) peek() time.Duration {
	return b.next
}

func (b *reconnectBackoff) advance() time.Duration {
	current := b.next
	b.next = b.policy.NextBackOff()
	return current
}

func (b *reconnectBackoff) reset() {
	b.policy.Reset()
	b.next = b.policy.NextBackOff()
}
