package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/code-payments/flipcash2-billing/billing"
	"github.com/code-payments/flipcash2-billing/billing/memory"
	"github.com/code-payments/flipcash2-billing/event"
	"github.com/code-payments/flipcash2-billing/tokens"
)

func RunWrapperTests(t *testing.T, s tokens.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s tokens.Store){
		testWrapper_DeferredOperationsRunInOrder,
		testWrapper_OperationsWaitForObserver,
		testWrapper_ConsumeWhileDisconnected,
		testWrapper_AcknowledgeSubscription,
		testWrapper_FinalizeIsIdempotent,
		testWrapper_FinalizeFailureIsRetryable,
		testWrapper_FinalizeWithoutPlatformCall,
		testWrapper_PendingPurchaseIsNotFinalized,
		testWrapper_ProductDetailsFiltersBlankIdentifiers,
		testWrapper_PurchaseUpdateWithNullList,
		testWrapper_PurchaseUpdateError,
		testWrapper_PurchaseUpdateResolvesUnknownType,
		testWrapper_PurchaseUpdateStateChange,
		testWrapper_UnknownTypeIsNotFinalized,
		testWrapper_BackoffIncreasesAndResets,
		testWrapper_RetryClassification,
		testWrapper_DuplicateCallbacks,
		testWrapper_TeardownDiscardsQueue,
		testWrapper_TeardownReleasesInFlightFinalization,
		testWrapper_ObfuscatedAccountID,
		testWrapper_QueryOwnedPurchases,
		testWrapper_PurchaseHistory,
		testWrapper_GetPurchaseType,
		testWrapper_StatusNotifications,
	} {
		tf(t, s)
		teardown()
	}
}

type testEnv struct {
	service  *memory.Service
	exec     *memory.Executor
	wrapper  *billing.Wrapper
	observer *testObserver
}

func newTestEnv(t *testing.T, s tokens.Store, config billing.Config) *testEnv {
	env := &testEnv{
		service:  memory.NewService(),
		exec:     memory.NewExecutor(),
		observer: &testObserver{},
	}
	env.wrapper = billing.NewWrapper(zaptest.NewLogger(t), env.exec, env.service.Factory(), s, config)
	t.Cleanup(env.wrapper.Close)
	return env
}

type testObserver struct {
	mu      sync.Mutex
	updates [][]*billing.PurchaseRecord
	errors  []*billing.Error
}

func (o *testObserver) OnPurchasesUpdated(purchases []*billing.PurchaseRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.updates = append(o.updates, purchases)
}

func (o *testObserver) OnPurchasesFailedToUpdate(err *billing.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.errors = append(o.errors, err)
}

func (o *testObserver) getUpdates() [][]*billing.PurchaseRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([][]*billing.PurchaseRecord(nil), o.updates...)
}

func (o *testObserver) getErrors() []*billing.Error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]*billing.Error(nil), o.errors...)
}

type finalizeResult struct {
	mu       sync.Mutex
	outcomes []billing.FinalizeOutcome
	errors   []*billing.Error
}

func (r *finalizeResult) onSuccess(_ *billing.PurchaseRecord, outcome billing.FinalizeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes = append(r.outcomes, outcome)
}

func (r *finalizeResult) onError(_ *billing.PurchaseRecord, err *billing.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, err)
}

func (r *finalizeResult) getOutcomes() []billing.FinalizeOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]billing.FinalizeOutcome(nil), r.outcomes...)
}

func (r *finalizeResult) getErrors() []*billing.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*billing.Error(nil), r.errors...)
}

func platformMethods(calls []memory.Call) []string {
	var res []string
	for _, call := range calls {
		switch call.Method {
		case memory.MethodStartConnection, memory.MethodEndConnection:
			continue
		}
		res = append(res, fmt.Sprintf("%s(%s)", call.Method, call.Arg))
	}
	return res
}

func ownedPurchase(token, productID string) *billing.PlatformPurchase {
	return &billing.PlatformPurchase{
		ProductIDs:    []string{productID},
		PurchaseToken: token,
		OrderID:       "order-" + token,
		PurchaseTime:  time.Now(),
		State:         billing.PurchaseStatePurchased,
	}
}

func purchaseRecord(token, productID string, productType billing.ProductType) *billing.PurchaseRecord {
	return billing.NewPurchaseRecord(ownedPurchase(token, productID), productType, "")
}

func testWrapper_DeferredOperationsRunInOrder(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddProduct(&billing.ProductDetails{ProductID: "coins", Type: billing.ProductTypeInApp})
	env.service.FailConnection(billing.ResponseServiceUnavailable)

	env.wrapper.SetObserver(env.observer)
	require.Equal(t, billing.StatusDisconnected, env.wrapper.Status())
	require.Equal(t, 1, env.exec.PendingDelayed())

	var order []string
	env.wrapper.QueryPurchaseHistory(billing.ProductTypeSubs, func([]*billing.PurchaseRecord) {
		order = append(order, "history")
	}, nil)
	env.wrapper.QueryProductDetails(billing.ProductTypeInApp, []string{"coins"}, func([]*billing.ProductDetails) {
		order = append(order, "details")
	}, nil)
	env.wrapper.MakePurchase("user", &billing.ProductDetails{ProductID: "coins", Type: billing.ProductTypeInApp}, nil, "", nil)

	require.Empty(t, platformMethods(env.service.Calls()))
	require.Empty(t, order)

	require.Equal(t, 1, env.exec.RunDelayed())

	require.Equal(t, billing.StatusConnected, env.wrapper.Status())
	require.Equal(t, []string{
		"QueryPurchaseHistory(subs)",
		"QueryProductDetails(inapp:[coins])",
		"LaunchBillingFlow(coins)",
	}, platformMethods(env.service.Calls()))
	require.Equal(t, []string{"history", "details"}, order)
	require.Len(t, env.observer.getUpdates(), 1)
}

func testWrapper_OperationsWaitForObserver(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())

	var called bool
	env.wrapper.QueryPurchaseHistory(billing.ProductTypeInApp, func([]*billing.PurchaseRecord) {
		called = true
	}, nil)

	require.Zero(t, env.service.ClientCount())
	require.Equal(t, billing.StatusDisconnected, env.wrapper.Status())
	require.False(t, called)

	env.wrapper.SetObserver(env.observer)

	require.Equal(t, 1, env.service.ClientCount())
	require.Equal(t, billing.StatusConnected, env.wrapper.Status())
	require.True(t, called)
	require.Empty(t, env.exec.Delays())
}

func testWrapper_ConsumeWhileDisconnected(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("T1", "coins"))
	env.service.FailConnection(billing.ResponseServiceTimeout)
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("T1", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)

	require.Empty(t, env.service.CallsTo(memory.MethodConsume))
	require.Equal(t, billing.FinalizeStatePendingConsumption, env.wrapper.Finalizer().State("T1"))
	processed, err := s.IsTokenProcessed(ctx, "T1")
	require.NoError(t, err)
	require.False(t, processed)

	env.exec.RunDelayed()

	consumes := env.service.CallsTo(memory.MethodConsume)
	require.Len(t, consumes, 1)
	require.Equal(t, "T1", consumes[0].Arg)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeConsumed}, result.getOutcomes())
	require.Empty(t, result.getErrors())
	require.Equal(t, billing.FinalizeStateFinalized, env.wrapper.Finalizer().State("T1"))

	processed, err = s.IsTokenProcessed(ctx, "T1")
	require.NoError(t, err)
	require.True(t, processed)

	require.Empty(t, env.service.OwnedPurchases(billing.ProductTypeInApp))
}

func testWrapper_AcknowledgeSubscription(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeSubs, ownedPurchase("sub1", "monthly"))
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("sub1", "monthly", billing.ProductTypeSubs), true, result.onSuccess, result.onError)

	require.Len(t, env.service.CallsTo(memory.MethodAcknowledge), 1)
	require.Empty(t, env.service.CallsTo(memory.MethodConsume))
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeAcknowledged}, result.getOutcomes())

	owned := env.service.OwnedPurchases(billing.ProductTypeSubs)
	require.Len(t, owned, 1)
	require.True(t, owned[0].Acknowledged)

	// Already acknowledged on the platform
	acknowledged := purchaseRecord("sub2", "monthly", billing.ProductTypeSubs)
	acknowledged.Acknowledged = true

	result = &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, acknowledged, true, result.onSuccess, result.onError)

	require.Len(t, env.service.CallsTo(memory.MethodAcknowledge), 1)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeAlreadyAcknowledged}, result.getOutcomes())

	processed, err := s.IsTokenProcessed(ctx, "sub2")
	require.NoError(t, err)
	require.True(t, processed)
}

func testWrapper_FinalizeIsIdempotent(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("idem", "coins"))
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	for i := 0; i < 5; i++ {
		env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("idem", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)
	}

	require.Len(t, env.service.CallsTo(memory.MethodConsume), 1)
	require.Empty(t, result.getErrors())

	outcomes := result.getOutcomes()
	require.Len(t, outcomes, 5)
	require.Equal(t, billing.FinalizeOutcomeConsumed, outcomes[0])
	for _, outcome := range outcomes[1:] {
		require.Equal(t, billing.FinalizeOutcomeAlreadyProcessed, outcome)
	}

	all, err := s.GetProcessedTokens(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"idem"}, all)

	// A fresh wrapper still sees the recorded token
	other := newTestEnv(t, s, billing.DefaultConfig())
	other.wrapper.SetObserver(other.observer)

	result = &finalizeResult{}
	other.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("idem", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)

	require.Empty(t, other.service.CallsTo(memory.MethodConsume))
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeAlreadyProcessed}, result.getOutcomes())
}

func testWrapper_FinalizeFailureIsRetryable(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("retry", "coins"))
	env.service.FailNext(memory.MethodConsume, billing.ResponseError)
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("retry", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)

	errs := result.getErrors()
	require.Len(t, errs, 1)
	require.Equal(t, billing.ErrorCodeStoreProblem, errs[0].Code)
	require.Equal(t, billing.ResponseError, errs[0].Response)
	require.Equal(t, billing.FinalizeStateFailed, env.wrapper.Finalizer().State("retry"))

	processed, err := s.IsTokenProcessed(ctx, "retry")
	require.NoError(t, err)
	require.False(t, processed)

	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("retry", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)

	require.Len(t, env.service.CallsTo(memory.MethodConsume), 2)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeConsumed}, result.getOutcomes())

	processed, err = s.IsTokenProcessed(ctx, "retry")
	require.NoError(t, err)
	require.True(t, processed)
}

func testWrapper_FinalizeWithoutPlatformCall(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("observer-mode", "coins", billing.ProductTypeInApp), false, result.onSuccess, result.onError)

	require.Empty(t, env.service.CallsTo(memory.MethodConsume))
	require.Empty(t, env.service.CallsTo(memory.MethodAcknowledge))
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeSkipped}, result.getOutcomes())

	processed, err := s.IsTokenProcessed(ctx, "observer-mode")
	require.NoError(t, err)
	require.True(t, processed)
}

func testWrapper_PendingPurchaseIsNotFinalized(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	for _, productType := range []billing.ProductType{billing.ProductTypeInApp, billing.ProductTypeSubs} {
		for _, shouldFinalize := range []bool{true, false} {
			pending := purchaseRecord("pending", "coins", productType)
			pending.State = billing.PurchaseStatePending

			result := &finalizeResult{}
			env.wrapper.ConsumeOrAcknowledge(ctx, pending, shouldFinalize, result.onSuccess, result.onError)

			require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeDeferred}, result.getOutcomes())
			require.Empty(t, result.getErrors())
		}
	}

	require.Empty(t, env.service.CallsTo(memory.MethodConsume))
	require.Empty(t, env.service.CallsTo(memory.MethodAcknowledge))
	require.Equal(t, billing.FinalizeStateUnprocessed, env.wrapper.Finalizer().State("pending"))

	processed, err := s.IsTokenProcessed(ctx, "pending")
	require.NoError(t, err)
	require.False(t, processed)
}

func testWrapper_ProductDetailsFiltersBlankIdentifiers(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddProduct(&billing.ProductDetails{ProductID: "a", Type: billing.ProductTypeInApp})
	env.service.AddProduct(&billing.ProductDetails{ProductID: "b", Type: billing.ProductTypeInApp})
	env.wrapper.SetObserver(env.observer)

	var details []*billing.ProductDetails
	env.wrapper.QueryProductDetails(billing.ProductTypeInApp, []string{"a", "", "b", ""}, func(res []*billing.ProductDetails) {
		details = res
	}, func(err *billing.Error) {
		require.Fail(t, "unexpected error", err.Error())
	})

	calls := env.service.CallsTo(memory.MethodQueryProductDetails)
	require.Len(t, calls, 1)
	require.Equal(t, "inapp:[a b]", calls[0].Arg)
	require.Len(t, details, 2)

	details = nil
	env.wrapper.QueryProductDetails(billing.ProductTypeInApp, []string{"", "  "}, func(res []*billing.ProductDetails) {
		details = res
	}, nil)

	require.Len(t, env.service.CallsTo(memory.MethodQueryProductDetails), 1)
	require.NotNil(t, details)
	require.Empty(t, details)

	// Unknown product types are queried as one-time products
	details = nil
	env.wrapper.QueryProductDetails(billing.ProductTypeUnknown, []string{"a"}, func(res []*billing.ProductDetails) {
		details = res
	}, nil)

	calls = env.service.CallsTo(memory.MethodQueryProductDetails)
	require.Len(t, calls, 2)
	require.Equal(t, "inapp:[a]", calls[1].Arg)
	require.Len(t, details, 1)
	require.Equal(t, "a", details[0].ProductID)

	// Unknown products come back as an empty list
	details = nil
	env.wrapper.QueryProductDetails(billing.ProductTypeSubs, []string{"missing"}, func(res []*billing.ProductDetails) {
		details = res
	}, nil)
	require.NotNil(t, details)
	require.Empty(t, details)

	var detailsErr *billing.Error
	env.service.FailNext(memory.MethodQueryProductDetails, billing.ResponseBillingUnavailable)
	env.wrapper.QueryProductDetails(billing.ProductTypeSubs, []string{"a"}, nil, func(err *billing.Error) {
		detailsErr = err
	})
	require.NotNil(t, detailsErr)
	require.Equal(t, billing.ErrorCodePurchaseNotAllowed, detailsErr.Code)
}

func testWrapper_PurchaseUpdateWithNullList(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	env.service.SendPurchasesUpdated(billing.OKResult(), nil)

	updates := env.observer.getUpdates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0])
	require.Empty(t, updates[0])
	require.Empty(t, env.observer.getErrors())

	// A repeated empty delivery inside the window is dropped
	env.service.SendPurchasesUpdated(billing.OKResult(), []*billing.PlatformPurchase{})
	require.Len(t, env.observer.getUpdates(), 1)
}

func testWrapper_PurchaseUpdateError(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	env.service.SendPurchasesUpdated(billing.Result{Code: billing.ResponseUserCanceled}, []*billing.PlatformPurchase{ownedPurchase("ignored", "coins")})

	require.Empty(t, env.observer.getUpdates())
	errs := env.observer.getErrors()
	require.Len(t, errs, 1)
	require.Equal(t, billing.ErrorCodePurchaseCancelled, errs[0].Code)

	env.service.SendPurchasesUpdated(billing.Result{Code: billing.ResponseItemAlreadyOwned}, nil)

	errs = env.observer.getErrors()
	require.Len(t, errs, 2)
	require.Equal(t, billing.ErrorCodeProductAlreadyPurchased, errs[1].Code)
}

func testWrapper_PurchaseUpdateResolvesUnknownType(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	sub := ownedPurchase("renewal", "monthly")
	env.service.AddOwnedPurchase(billing.ProductTypeSubs, sub)
	unknown := ownedPurchase("elsewhere", "gone")

	env.service.SendPurchasesUpdated(billing.OKResult(), []*billing.PlatformPurchase{sub, unknown})

	updates := env.observer.getUpdates()
	require.Len(t, updates, 1)
	require.Len(t, updates[0], 2)
	require.Equal(t, "renewal", updates[0][0].PurchaseToken)
	require.Equal(t, billing.ProductTypeSubs, updates[0][0].Type)
	require.Equal(t, "elsewhere", updates[0][1].PurchaseToken)
	require.Equal(t, billing.ProductTypeUnknown, updates[0][1].Type)
}

func testWrapper_PurchaseUpdateStateChange(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	purchase := ownedPurchase("slow-payment", "coins")
	purchase.State = billing.PurchaseStatePending
	env.service.SendPurchasesUpdated(billing.OKResult(), []*billing.PlatformPurchase{purchase})

	completed := ownedPurchase("slow-payment", "coins")
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, completed)
	env.service.SendPurchasesUpdated(billing.OKResult(), []*billing.PlatformPurchase{completed})

	updates := env.observer.getUpdates()
	require.Len(t, updates, 2)
	require.Equal(t, billing.PurchaseStatePending, updates[0][0].State)
	require.Equal(t, billing.PurchaseStatePurchased, updates[1][0].State)
	require.Equal(t, billing.ProductTypeInApp, updates[1][0].Type)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, updates[0][0], true, result.onSuccess, result.onError)
	env.wrapper.ConsumeOrAcknowledge(ctx, updates[1][0], true, result.onSuccess, result.onError)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeDeferred, billing.FinalizeOutcomeConsumed}, result.getOutcomes())

	isProcessed, err := s.IsTokenProcessed(ctx, "slow-payment")
	require.NoError(t, err)
	require.True(t, isProcessed)
}

func testWrapper_UnknownTypeIsNotFinalized(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeSubs, ownedPurchase("unresolved", "monthly"))
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("unresolved", "monthly", billing.ProductTypeUnknown), true, result.onSuccess, result.onError)

	require.Empty(t, result.getOutcomes())
	errs := result.getErrors()
	require.Len(t, errs, 1)
	require.Equal(t, billing.ErrorCodePurchaseInvalid, errs[0].Code)

	require.Empty(t, env.service.CallsTo(memory.MethodConsume))
	require.Empty(t, env.service.CallsTo(memory.MethodAcknowledge))

	isProcessed, err := s.IsTokenProcessed(ctx, "unresolved")
	require.NoError(t, err)
	require.False(t, isProcessed)

	// Once the type is known the purchase finalizes normally
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("unresolved", "monthly", billing.ProductTypeSubs), true, result.onSuccess, result.onError)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeAcknowledged}, result.getOutcomes())
	require.Len(t, env.service.CallsTo(memory.MethodAcknowledge), 1)
}

func testWrapper_BackoffIncreasesAndResets(t *testing.T, s tokens.Store) {
	config := billing.DefaultConfig()
	config.BackoffBase = time.Second
	config.BackoffMax = time.Hour

	env := newTestEnv(t, s, config)
	env.service.FailConnection(
		billing.ResponseServiceUnavailable,
		billing.ResponseServiceUnavailable,
		billing.ResponseServiceTimeout,
		billing.ResponseError,
		billing.ResponseServiceUnavailable,
	)

	env.wrapper.SetObserver(env.observer)
	for i := 0; i < 4; i++ {
		require.Equal(t, 1, env.exec.RunDelayed())
	}

	delays := env.exec.Delays()
	require.Len(t, delays, 5)
	require.Equal(t, time.Second, delays[0])
	for i := 1; i < len(delays); i++ {
		require.Greater(t, delays[i], delays[i-1])
	}
	require.Equal(t, 5, len(env.service.CallsTo(memory.MethodStartConnection)))

	require.Equal(t, 1, env.exec.RunDelayed())
	require.Equal(t, billing.StatusConnected, env.wrapper.Status())

	env.service.Disconnect()
	require.Equal(t, billing.StatusDisconnected, env.wrapper.Status())

	delays = env.exec.Delays()
	require.Len(t, delays, 6)
	require.Equal(t, time.Second, delays[5])

	require.Equal(t, 1, env.exec.RunDelayed())
	require.Equal(t, billing.StatusConnected, env.wrapper.Status())
	require.Equal(t, 1, env.service.ClientCount())
}

func testWrapper_RetryClassification(t *testing.T, s tokens.Store) {
	expected := map[billing.ResponseCode]bool{
		billing.ResponseServiceTimeout:      true,
		billing.ResponseFeatureNotSupported: false,
		billing.ResponseServiceDisconnected: true,
		billing.ResponseUserCanceled:        true,
		billing.ResponseServiceUnavailable:  true,
		billing.ResponseBillingUnavailable:  false,
		billing.ResponseItemUnavailable:     false,
		billing.ResponseDeveloperError:      false,
		billing.ResponseError:               true,
		billing.ResponseItemAlreadyOwned:    false,
		billing.ResponseItemNotOwned:        false,
		billing.ResponseNetworkError:        false,
	}

	for _, code := range billing.AllResponseCodes() {
		if code == billing.ResponseOK {
			continue
		}

		retryable, ok := expected[code]
		require.True(t, ok, code.String())

		env := newTestEnv(t, s, billing.DefaultConfig())
		env.service.FailConnection(code)

		var errs []*billing.Error
		var succeeded bool
		env.wrapper.QueryPurchaseHistory(billing.ProductTypeSubs, func([]*billing.PurchaseRecord) {
			succeeded = true
		}, func(err *billing.Error) {
			errs = append(errs, err)
		})
		env.wrapper.SetObserver(env.observer)

		require.Equal(t, billing.StatusDisconnected, env.wrapper.Status(), code.String())

		if retryable {
			require.Equal(t, 1, env.exec.PendingDelayed(), code.String())
			require.Empty(t, errs, code.String())

			env.exec.RunDelayed()
			require.True(t, succeeded, code.String())
			require.Equal(t, billing.StatusConnected, env.wrapper.Status(), code.String())
		} else {
			require.Zero(t, env.exec.PendingDelayed(), code.String())
			require.Len(t, errs, 1, code.String())
			require.Equal(t, billing.ErrorCodeConnectionTerminal, errs[0].Code, code.String())
			require.Equal(t, code, errs[0].Response, code.String())
			require.False(t, succeeded, code.String())
		}

		env.wrapper.Close()
	}
}

func testWrapper_DuplicateCallbacks(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("dup", "coins"))
	env.service.SetDuplicateCallbacks(true)
	env.wrapper.SetObserver(env.observer)

	var mu sync.Mutex
	var historyCalls int
	env.wrapper.QueryPurchaseHistory(billing.ProductTypeInApp, func([]*billing.PurchaseRecord) {
		mu.Lock()
		historyCalls++
		mu.Unlock()
	}, func(*billing.Error) {
		mu.Lock()
		historyCalls++
		mu.Unlock()
	})
	require.Equal(t, 1, historyCalls)

	var owned []map[string]*billing.PurchaseRecord
	env.wrapper.QueryOwnedPurchases("user", func(res map[string]*billing.PurchaseRecord) {
		mu.Lock()
		owned = append(owned, res)
		mu.Unlock()
	}, nil)
	require.Len(t, owned, 1)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("dup", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeConsumed}, result.getOutcomes())

	env.wrapper.MakePurchase("user", &billing.ProductDetails{ProductID: "coins", Type: billing.ProductTypeInApp}, nil, "", nil)
	require.Len(t, env.observer.getUpdates(), 1)

	// Redelivery of the same batch inside the window is dropped
	purchase := ownedPurchase("redelivered", "coins")
	env.service.SendPurchasesUpdated(billing.OKResult(), []*billing.PlatformPurchase{purchase})
	env.service.SendPurchasesUpdated(billing.OKResult(), []*billing.PlatformPurchase{purchase})
	require.Len(t, env.observer.getUpdates(), 2)
}

func testWrapper_TeardownDiscardsQueue(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.FailConnection(billing.ResponseServiceUnavailable)
	env.wrapper.SetObserver(env.observer)

	var notified bool
	env.wrapper.QueryPurchaseHistory(billing.ProductTypeInApp, func([]*billing.PurchaseRecord) {
		notified = true
	}, func(*billing.Error) {
		notified = true
	})

	env.wrapper.SetObserver(nil)

	require.Equal(t, billing.StatusDisconnected, env.wrapper.Status())
	require.Zero(t, env.exec.PendingDelayed())
	require.Len(t, env.service.CallsTo(memory.MethodEndConnection), 1)

	// Late callbacks for the torn down handle are ignored
	env.service.Disconnect()
	require.Zero(t, env.exec.PendingDelayed())

	env.wrapper.SetObserver(env.observer)

	require.Equal(t, billing.StatusConnected, env.wrapper.Status())
	require.Equal(t, 2, env.service.ClientCount())
	require.Empty(t, env.service.CallsTo(memory.MethodQueryPurchaseHistory))
	require.False(t, notified)
}

func testWrapper_TeardownReleasesInFlightFinalization(t *testing.T, s tokens.Store) {
	ctx := context.Background()

	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("released", "coins"))
	env.service.FailConnection(billing.ResponseServiceUnavailable)
	env.wrapper.SetObserver(env.observer)

	result := &finalizeResult{}
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("released", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)
	require.Equal(t, billing.FinalizeStatePendingConsumption, env.wrapper.Finalizer().State("released"))

	env.wrapper.SetObserver(nil)

	require.Empty(t, result.getOutcomes())
	require.Empty(t, result.getErrors())
	require.Equal(t, billing.FinalizeStateUnprocessed, env.wrapper.Finalizer().State("released"))

	env.wrapper.SetObserver(env.observer)
	env.wrapper.ConsumeOrAcknowledge(ctx, purchaseRecord("released", "coins", billing.ProductTypeInApp), true, result.onSuccess, result.onError)

	require.Len(t, env.service.CallsTo(memory.MethodConsume), 1)
	require.Equal(t, []billing.FinalizeOutcome{billing.FinalizeOutcomeConsumed}, result.getOutcomes())
}

func testWrapper_ObfuscatedAccountID(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.wrapper.SetObserver(env.observer)

	monthly := &billing.ProductDetails{ProductID: "monthly", Type: billing.ProductTypeSubs}
	yearly := &billing.ProductDetails{ProductID: "yearly", Type: billing.ProductTypeSubs}

	env.wrapper.MakePurchase("user-1", monthly, nil, "default_offering", nil)

	params := env.service.LastFlowParams()
	require.NotNil(t, params)
	require.Equal(t, billing.ObfuscateAccountID("user-1"), params.ObfuscatedAccountID)
	require.Len(t, params.ObfuscatedAccountID, 64)
	require.NotEqual(t, "user-1", params.ObfuscatedAccountID)
	require.Nil(t, params.SubscriptionUpdate)

	updates := env.observer.getUpdates()
	require.Len(t, updates, 1)
	require.Len(t, updates[0], 1)
	original := updates[0][0]
	require.Equal(t, "monthly", original.ProductID())
	require.Equal(t, billing.ProductTypeSubs, original.Type)
	require.Equal(t, "default_offering", original.PresentedOfferingID)

	env.wrapper.MakePurchase("user-1", yearly, &billing.ReplaceInfo{
		OldPurchase:   original,
		ProrationMode: billing.ProrationModeImmediateWithTimeProration,
	}, "", nil)

	params = env.service.LastFlowParams()
	require.Empty(t, params.ObfuscatedAccountID)
	require.NotNil(t, params.SubscriptionUpdate)
	require.Equal(t, original.PurchaseToken, params.SubscriptionUpdate.OldPurchaseToken)
	require.Equal(t, billing.ProrationModeImmediateWithTimeProration, params.SubscriptionUpdate.ProrationMode)

	updates = env.observer.getUpdates()
	require.Len(t, updates, 2)
	require.Empty(t, updates[1][0].PresentedOfferingID)

	owned := env.service.OwnedPurchases(billing.ProductTypeSubs)
	require.Len(t, owned, 1)
	require.Equal(t, "yearly", owned[0].ProductIDs[0])

	var launchErr *billing.Error
	env.service.FailNext(memory.MethodLaunchBillingFlow, billing.ResponseDeveloperError)
	env.wrapper.MakePurchase("user-1", monthly, nil, "", func(err *billing.Error) {
		launchErr = err
	})
	require.NotNil(t, launchErr)
	require.Equal(t, billing.ErrorCodePurchaseInvalid, launchErr.Code)
}

func testWrapper_QueryOwnedPurchases(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeSubs, ownedPurchase("sub", "monthly"))
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("coin", "coins"))
	env.wrapper.SetObserver(env.observer)

	var owned map[string]*billing.PurchaseRecord
	env.wrapper.QueryOwnedPurchases("user", func(res map[string]*billing.PurchaseRecord) {
		owned = res
	}, nil)

	require.Len(t, owned, 2)
	require.Equal(t, billing.ProductTypeSubs, owned["sub"].Type)
	require.Equal(t, "monthly", owned["sub"].ProductID())
	require.Equal(t, billing.ProductTypeInApp, owned["coin"].Type)
	require.Equal(t, []string{
		"QueryPurchases(subs)",
		"QueryPurchases(inapp)",
	}, platformMethods(env.service.Calls()))

	var ownedErr *billing.Error
	owned = nil
	env.service.FailNext(memory.MethodQueryPurchases, billing.ResponseServiceUnavailable)
	env.wrapper.QueryOwnedPurchases("user", func(res map[string]*billing.PurchaseRecord) {
		owned = res
	}, func(err *billing.Error) {
		ownedErr = err
	})

	require.Nil(t, owned)
	require.NotNil(t, ownedErr)
	require.Equal(t, billing.ErrorCodeStoreProblem, ownedErr.Code)
}

func testWrapper_PurchaseHistory(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddHistory(billing.ProductTypeSubs, &billing.HistoryRecord{ProductIDs: []string{"monthly"}, PurchaseToken: "old-sub"})
	env.service.AddHistory(billing.ProductTypeInApp, &billing.HistoryRecord{ProductIDs: []string{"coins"}, PurchaseToken: "old-coin"})
	env.wrapper.SetObserver(env.observer)

	var all []*billing.PurchaseRecord
	env.wrapper.QueryAllPurchases("user", func(res []*billing.PurchaseRecord) {
		all = res
	}, nil)
	require.Len(t, all, 2)
	require.Equal(t, "old-sub", all[0].PurchaseToken)
	require.Equal(t, billing.ProductTypeSubs, all[0].Type)
	require.Equal(t, billing.PurchaseStateUnspecified, all[0].State)
	require.Equal(t, "old-coin", all[1].PurchaseToken)
	require.Equal(t, billing.ProductTypeInApp, all[1].Type)

	var found *billing.PurchaseRecord
	env.wrapper.FindPurchaseInPurchaseHistory("user", billing.ProductTypeInApp, "coins", func(res *billing.PurchaseRecord) {
		found = res
	}, nil)
	require.NotNil(t, found)
	require.Equal(t, "old-coin", found.PurchaseToken)

	var findErr *billing.Error
	env.wrapper.FindPurchaseInPurchaseHistory("user", billing.ProductTypeInApp, "monthly", nil, func(err *billing.Error) {
		findErr = err
	})
	require.NotNil(t, findErr)
	require.Equal(t, billing.ErrorCodePurchaseInvalid, findErr.Code)

	var historyErr *billing.Error
	env.service.FailNext(memory.MethodQueryPurchaseHistory, billing.ResponseFeatureNotSupported)
	env.wrapper.QueryPurchaseHistory(billing.ProductTypeSubs, nil, func(err *billing.Error) {
		historyErr = err
	})
	require.NotNil(t, historyErr)
	require.Equal(t, billing.ErrorCodePurchaseNotAllowed, historyErr.Code)

	findErr = nil
	env.service.FailNext(memory.MethodQueryPurchaseHistory, billing.ResponseBillingUnavailable)
	env.wrapper.FindPurchaseInPurchaseHistory("user", billing.ProductTypeSubs, "monthly", nil, func(err *billing.Error) {
		findErr = err
	})
	require.NotNil(t, findErr)
	require.Equal(t, billing.ErrorCodePurchaseNotAllowed, findErr.Code)

	var allErr *billing.Error
	env.service.FailNext(memory.MethodQueryPurchaseHistory, billing.ResponseItemUnavailable)
	env.wrapper.QueryAllPurchases("user", nil, func(err *billing.Error) {
		allErr = err
	})
	require.NotNil(t, allErr)
	require.Equal(t, billing.ErrorCodeProductNotAvailable, allErr.Code)
}

func testWrapper_GetPurchaseType(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())
	env.service.AddOwnedPurchase(billing.ProductTypeSubs, ownedPurchase("sub", "monthly"))
	env.service.AddOwnedPurchase(billing.ProductTypeInApp, ownedPurchase("coin", "coins"))
	env.wrapper.SetObserver(env.observer)

	for token, expected := range map[string]billing.ProductType{
		"sub":     billing.ProductTypeSubs,
		"coin":    billing.ProductTypeInApp,
		"missing": billing.ProductTypeUnknown,
	} {
		var actual []billing.ProductType
		env.wrapper.GetPurchaseType(token, func(productType billing.ProductType) {
			actual = append(actual, productType)
		})
		require.Equal(t, []billing.ProductType{expected}, actual, token)
	}

	env.service.FailNext(memory.MethodQueryPurchases, billing.ResponseServiceUnavailable)
	env.service.FailNext(memory.MethodQueryPurchases, billing.ResponseServiceUnavailable)

	var actual []billing.ProductType
	env.wrapper.GetPurchaseType("sub", func(productType billing.ProductType) {
		actual = append(actual, productType)
	})
	require.Equal(t, []billing.ProductType{billing.ProductTypeUnknown}, actual)

	var normalized string
	env.wrapper.NormalizePurchaseData("coins", "coin", "store-user", func(productID string) {
		normalized = productID
	}, nil)
	require.Equal(t, "coins", normalized)
}

func testWrapper_StatusNotifications(t *testing.T, s tokens.Store) {
	env := newTestEnv(t, s, billing.DefaultConfig())

	observer := event.NewTestEventObserver[billing.Status, billing.StatusChange]()
	unsubscribe := env.wrapper.Subscribe(func(change billing.StatusChange) {
		observer.OnEvent(change.To, change)
	})

	env.wrapper.SetObserver(env.observer)

	observer.WaitFor(t, func(events []*event.KeyAndEvent[billing.Status, billing.StatusChange]) bool {
		var connecting, connected bool
		for _, e := range events {
			switch e.Event {
			case billing.StatusChange{From: billing.StatusDisconnected, To: billing.StatusConnecting}:
				connecting = true
			case billing.StatusChange{From: billing.StatusConnecting, To: billing.StatusConnected}:
				connected = true
			}
		}
		return connecting && connected
	})

	env.wrapper.SetObserver(nil)

	observer.WaitFor(t, func(events []*event.KeyAndEvent[billing.Status, billing.StatusChange]) bool {
		for _, e := range events {
			if e.Key == billing.StatusDisconnected && e.Event.From == billing.StatusConnected {
				return true
			}
		}
		return false
	})

	unsubscribe()
}
