package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/flipcash2-billing/tokens"
	"github.com/code-payments/flipcash2-billing/tokens/memory"
)

type pendingAction struct {
	token     string
	onResult  func(Result)
	onError   func(*Error)
	onDiscard func()
}

// fakeActions holds platform calls until the test resolves them.
type fakeActions struct {
	mu           sync.Mutex
	consumes     []*pendingAction
	acknowledges []*pendingAction
}

func (a *fakeActions) consume(params *ConsumeParams, onResult func(Result), onError func(*Error), onDiscard func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.consumes = append(a.consumes, &pendingAction{token: params.PurchaseToken, onResult: onResult, onError: onError, onDiscard: onDiscard})
}

func (a *fakeActions) acknowledge(params *AcknowledgeParams, onResult func(Result), onError func(*Error), onDiscard func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acknowledges = append(a.acknowledges, &pendingAction{token: params.PurchaseToken, onResult: onResult, onError: onError, onDiscard: onDiscard})
}

type outcomes struct {
	mu       sync.Mutex
	success  []FinalizeOutcome
	failures []*Error
}

func (o *outcomes) onSuccess(_ *PurchaseRecord, outcome FinalizeOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.success = append(o.success, outcome)
}

func (o *outcomes) onError(_ *PurchaseRecord, err *Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func newTestFinalizer(t *testing.T, store tokens.Store) (*Finalizer, *fakeActions) {
	actions := &fakeActions{}
	return newFinalizer(zaptest.NewLogger(t), store, actions), actions
}

func testPurchase(token string, productType ProductType) *PurchaseRecord {
	return &PurchaseRecord{
		ProductIDs:    []string{"product"},
		PurchaseToken: token,
		State:         PurchaseStatePurchased,
		Type:          productType,
	}
}

func TestFinalizer_ConsumeRecordsAfterSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	finalizer, actions := newTestFinalizer(t, store)

	res := &outcomes{}
	finalizer.Finalize(ctx, testPurchase("T1", ProductTypeInApp), true, res.onSuccess, res.onError)

	require.Len(t, actions.consumes, 1)
	require.Empty(t, actions.acknowledges)
	require.Equal(t, FinalizeStatePendingConsumption, finalizer.State("T1"))

	processed, err := store.IsTokenProcessed(ctx, "T1")
	require.NoError(t, err)
	require.False(t, processed)

	actions.consumes[0].onResult(OKResult())

	require.Equal(t, []FinalizeOutcome{FinalizeOutcomeConsumed}, res.success)
	require.Equal(t, FinalizeStateFinalized, finalizer.State("T1"))

	processed, err = store.IsTokenProcessed(ctx, "T1")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestFinalizer_SingleFlight(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	finalizer, actions := newTestFinalizer(t, store)

	res := &outcomes{}
	for i := 0; i < 3; i++ {
		finalizer.Finalize(ctx, testPurchase("shared", ProductTypeSubs), true, res.onSuccess, res.onError)
	}

	require.Len(t, actions.acknowledges, 1)
	require.Empty(t, res.success)
	require.Equal(t, FinalizeStatePendingAcknowledgment, finalizer.State("shared"))

	actions.acknowledges[0].onResult(OKResult())

	require.Equal(t, []FinalizeOutcome{
		FinalizeOutcomeAcknowledged,
		FinalizeOutcomeAcknowledged,
		FinalizeOutcomeAcknowledged,
	}, res.success)

	finalizer.Finalize(ctx, testPurchase("shared", ProductTypeSubs), true, res.onSuccess, res.onError)
	require.Len(t, actions.acknowledges, 1)
	require.Equal(t, FinalizeOutcomeAlreadyProcessed, res.success[3])

	all, err := store.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"shared"}, all)
}

func TestFinalizer_FailureNotifiesAllWaiters(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	finalizer, actions := newTestFinalizer(t, store)

	res := &outcomes{}
	finalizer.Finalize(ctx, testPurchase("bad", ProductTypeInApp), true, res.onSuccess, res.onError)
	finalizer.Finalize(ctx, testPurchase("bad", ProductTypeInApp), true, res.onSuccess, res.onError)

	actions.consumes[0].onResult(Result{Code: ResponseItemNotOwned})

	require.Empty(t, res.success)
	require.Len(t, res.failures, 2)
	for _, err := range res.failures {
		require.Equal(t, ErrorCodePurchaseNotAllowed, err.Code)
	}
	require.Equal(t, FinalizeStateFailed, finalizer.State("bad"))

	processed, err := store.IsTokenProcessed(ctx, "bad")
	require.NoError(t, err)
	require.False(t, processed)

	actions.consumes[0].onError(NewError(ErrorCodeConnectionTerminal, "late"))
	require.Len(t, res.failures, 2)

	// Eligible for a retry
	finalizer.Finalize(ctx, testPurchase("bad", ProductTypeInApp), true, res.onSuccess, res.onError)
	require.Len(t, actions.consumes, 2)

	actions.consumes[1].onError(NewError(ErrorCodeConnectionTerminal, "connection failed"))
	require.Len(t, res.failures, 3)
	require.Equal(t, ErrorCodeConnectionTerminal, res.failures[2].Code)
}

func TestFinalizer_DiscardAllowsRetry(t *testing.T) {
	ctx := context.Background()
	finalizer, actions := newTestFinalizer(t, memory.NewInMemory())

	res := &outcomes{}
	finalizer.Finalize(ctx, testPurchase("dropped", ProductTypeSubs), true, res.onSuccess, res.onError)
	actions.acknowledges[0].onDiscard()

	require.Empty(t, res.success)
	require.Empty(t, res.failures)
	require.Equal(t, FinalizeStateUnprocessed, finalizer.State("dropped"))

	finalizer.Finalize(ctx, testPurchase("dropped", ProductTypeSubs), true, res.onSuccess, res.onError)
	require.Len(t, actions.acknowledges, 2)
}

func TestFinalizer_PendingAndSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	finalizer, actions := newTestFinalizer(t, store)

	pending := testPurchase("pending", ProductTypeInApp)
	pending.State = PurchaseStatePending

	res := &outcomes{}
	finalizer.Finalize(ctx, pending, true, res.onSuccess, res.onError)
	finalizer.Finalize(ctx, pending, false, res.onSuccess, res.onError)

	require.Equal(t, []FinalizeOutcome{FinalizeOutcomeDeferred, FinalizeOutcomeDeferred}, res.success)
	require.Equal(t, FinalizeStateUnprocessed, finalizer.State("pending"))

	finalizer.Finalize(ctx, testPurchase("skipped", ProductTypeInApp), false, res.onSuccess, res.onError)
	require.Equal(t, FinalizeOutcomeSkipped, res.success[2])

	acknowledged := testPurchase("acked", ProductTypeSubs)
	acknowledged.Acknowledged = true
	finalizer.Finalize(ctx, acknowledged, true, res.onSuccess, res.onError)
	require.Equal(t, FinalizeOutcomeAlreadyAcknowledged, res.success[3])

	// Unknown types are neither consumed nor acknowledged
	finalizer.Finalize(ctx, testPurchase("unknown", ProductTypeUnknown), true, res.onSuccess, res.onError)
	require.Len(t, res.failures, 1)
	require.Equal(t, ErrorCodePurchaseInvalid, res.failures[0].Code)
	require.Equal(t, FinalizeStateFailed, finalizer.State("unknown"))

	require.Empty(t, actions.acknowledges)
	require.Empty(t, actions.consumes)

	all, err := store.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"acked", "skipped"}, all)
}

type failingStore struct {
	tokens.Store
	err error
}

func (s *failingStore) IsTokenProcessed(context.Context, string) (bool, error) {
	return false, s.err
}

func TestFinalizer_StoreFailure(t *testing.T) {
	ctx := context.Background()
	finalizer, actions := newTestFinalizer(t, &failingStore{Store: memory.NewInMemory(), err: errors.New("disk full")})

	res := &outcomes{}
	finalizer.Finalize(ctx, testPurchase("T1", ProductTypeInApp), true, res.onSuccess, res.onError)

	require.Empty(t, actions.consumes)
	require.Len(t, res.failures, 1)
	require.Equal(t, ErrorCodeUnknown, res.failures[0].Code)
	require.Contains(t, res.failures[0].Message, "disk full")
	require.Equal(t, FinalizeStateFailed, finalizer.State("T1"))
}

func TestFinalizer_ExistingRecordIsSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	finalizer, actions := newTestFinalizer(t, store)

	res := &outcomes{}
	finalizer.Finalize(ctx, testPurchase("raced", ProductTypeInApp), true, res.onSuccess, res.onError)

	// Another process records the token while the consume is in flight
	require.NoError(t, store.MarkTokenProcessed(ctx, "raced"))

	actions.consumes[0].onResult(OKResult())
	require.Equal(t, []FinalizeOutcome{FinalizeOutcomeConsumed}, res.success)
	require.Empty(t, res.failures)
}
