package billing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponseGate_FiresOnce(t *testing.T) {
	var successes, failures atomic.Int32
	gate := newResponseGate(func(int) {
		successes.Add(1)
	}, func(*Error) {
		failures.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				gate.success(i)
			} else {
				gate.fail(NewError(ErrorCodeUnknown, "failed"))
			}
		}(i)
	}
	wg.Wait()

	require.True(t, gate.hasFired())
	require.EqualValues(t, 1, successes.Load()+failures.Load())

	gate.success(0)
	gate.fail(NewError(ErrorCodeUnknown, "failed"))
	require.EqualValues(t, 1, successes.Load()+failures.Load())
}

func TestResponseGate_UsableAsContinuation(t *testing.T) {
	var failures []*Error
	gate := newResponseGate(func(string) {}, func(err *Error) {
		failures = append(failures, err)
	})

	op := newPendingOperation("test", func(Client) {}, gate.fail)
	op.fail(NewError(ErrorCodeConnectionTerminal, "terminal"))
	op.fail(NewError(ErrorCodeConnectionTerminal, "terminal"))

	require.True(t, gate.hasFired())
	require.Len(t, failures, 1)
	require.Equal(t, ErrorCodeConnectionTerminal, failures[0].Code)
}

func TestResponseGate_NilContinuations(t *testing.T) {
	gate := newResponseGate[string](nil, nil)
	require.False(t, gate.hasFired())
	gate.fail(NewError(ErrorCodeUnknown, "failed"))
	require.True(t, gate.hasFired())
	gate.success("ignored")
	require.True(t, gate.hasFired())
}

func TestBatchDeduplicator(t *testing.T) {
	dedup := newBatchDeduplicator(time.Minute)
	defer dedup.close()

	first := []*PlatformPurchase{{PurchaseToken: "a"}, {PurchaseToken: "b"}}
	reordered := []*PlatformPurchase{{PurchaseToken: "b"}, {PurchaseToken: "a"}}
	other := []*PlatformPurchase{{PurchaseToken: "a"}}

	require.False(t, dedup.isDuplicate(first))
	require.True(t, dedup.isDuplicate(first))
	require.True(t, dedup.isDuplicate(reordered))
	require.False(t, dedup.isDuplicate(other))

	require.False(t, dedup.isDuplicate(nil))
	require.True(t, dedup.isDuplicate(nil))
	require.True(t, dedup.isDuplicate([]*PlatformPurchase{}))

	dedup.close()
	dedup.close()
}

func TestBatchDeduplicator_StateChangeIsNotDuplicate(t *testing.T) {
	dedup := newBatchDeduplicator(time.Minute)
	defer dedup.close()

	pending := []*PlatformPurchase{{PurchaseToken: "a", State: PurchaseStatePending}}
	purchased := []*PlatformPurchase{{PurchaseToken: "a", State: PurchaseStatePurchased}}
	acknowledged := []*PlatformPurchase{{PurchaseToken: "a", State: PurchaseStatePurchased, Acknowledged: true}}

	require.False(t, dedup.isDuplicate(pending))
	require.False(t, dedup.isDuplicate(purchased))
	require.False(t, dedup.isDuplicate(acknowledged))
	require.True(t, dedup.isDuplicate(purchased))
}

func TestBatchDeduplicator_WindowExpires(t *testing.T) {
	dedup := newBatchDeduplicator(50 * time.Millisecond)
	defer dedup.close()

	batch := []*PlatformPurchase{{PurchaseToken: "expiring"}}
	require.False(t, dedup.isDuplicate(batch))
	require.True(t, dedup.isDuplicate(batch))

	time.Sleep(250 * time.Millisecond)
	require.False(t, dedup.isDuplicate(batch))
}

func TestBatchDeduplicator_Concurrent(t *testing.T) {
	dedup := newBatchDeduplicator(time.Minute)
	defer dedup.close()

	batch := []*PlatformPurchase{{PurchaseToken: "concurrent"}}

	var forwarded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !dedup.isDuplicate(batch) {
				forwarded.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, forwarded.Load())
}
