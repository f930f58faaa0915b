package billing

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ReneKroon/ttlcache"
)

// responseGate forwards only the first terminal notification for one logical
// call. The platform may invoke a listener more than once, from different
// goroutines, for a single request.
type responseGate[T any] struct {
	fired     atomic.Bool
	onSuccess func(T)
	onError   func(*Error)
}

func newResponseGate[T any](onSuccess func(T), onError func(*Error)) *responseGate[T] {
	return &responseGate[T]{
		onSuccess: onSuccess,
		onError:   onError,
	}
}

func (g *responseGate[T]) success(value T) {
	if !g.fired.CompareAndSwap(false, true) {
		return
	}
	if g.onSuccess != nil {
		g.onSuccess(value)
	}
}

func (g *responseGate[T]) fail(err *Error) {
	if !g.fired.CompareAndSwap(false, true) {
		return
	}
	if g.onError != nil {
		g.onError(err)
	}
}

func (g *responseGate[T]) hasFired() bool {
	return g.fired.Load()
}

// batchDeduplicator suppresses purchase update batches identical to one
// delivered within the window.
type batchDeduplicator struct {
	mu        sync.Mutex
	seen      *ttlcache.Cache
	window    time.Duration
	closeOnce sync.Once
}

func newBatchDeduplicator(window time.Duration) *batchDeduplicator {
	return &batchDeduplicator{
		seen:   ttlcache.NewCache(),
		window: window,
	}
}

// isDuplicate records the batch and reports whether an identical one, down to
// each purchase's state and acknowledgment, was already seen.
func (d *batchDeduplicator) isDuplicate(purchases []*PlatformPurchase) bool {
	key := batchKey(purchases)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen.Get(key); ok {
		return true
	}
	d.seen.SetWithTTL(key, struct{}{}, d.window)
	return false
}

func (d *batchDeduplicator) close() {
	d.closeOnce.Do(func() {
		d.seen.Close()
	})
}

const emptyBatchKey = "empty"

func batchKey(purchases []*PlatformPurchase) string {
	entries := make([]string, 0, len(purchases))
	for _, purchase := range purchases {
		if purchase == nil {
			continue
		}
		entries = append(entries, fmt.Sprintf("%s:%s:%t", purchase.PurchaseToken, purchase.State, purchase.Acknowledged))
	}
	if len(entries) == 0 {
		return emptyBatchKey
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}
