package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-billing/event"
	"github.com/code-payments/flipcash2-billing/tokens"
)

// PurchasesUpdatedObserver receives purchases completed through the platform
// purchase flow, including ones started outside this process.
type PurchasesUpdatedObserver interface {
	OnPurchasesUpdated(purchases []*PurchaseRecord)
	OnPurchasesFailedToUpdate(err *Error)
}

type StatusChange struct {
	From Status
	To   Status
}

// Wrapper is the public billing surface. Every platform call is routed
// through the request queue, so operations issued while disconnected are
// replayed in order once a connection is established.
type Wrapper struct {
	log  *zap.Logger
	exec Executor

	conn      *connectionState
	queue     *requestQueue
	finalizer *Finalizer
	dedup     *batchDeduplicator
	statusBus *event.Bus[Status, StatusChange]

	mu                 sync.Mutex
	observer           PurchasesUpdatedObserver
	presentedOfferings map[string]string
	productTypes       map[string]ProductType
}

func NewWrapper(
	log *zap.Logger,
	exec Executor,
	factory ClientFactory,
	tokenStore tokens.Store,
	config Config,
) *Wrapper {
	config = config.withDefaults()

	w := &Wrapper{
		log:                log,
		exec:               exec,
		dedup:              newBatchDeduplicator(config.PurchaseUpdateDedupWindow),
		statusBus:          event.NewBus[Status, StatusChange](),
		presentedOfferings: make(map[string]string),
		productTypes:       make(map[string]ProductType),
	}

	w.conn = newConnectionState(log.Named("connection"), exec, factory, w.onPurchasesUpdated, config)
	w.conn.onStatusChange = func(from, to Status) {
		w.statusBus.OnEvent(to, StatusChange{From: from, To: to})
	}
	w.queue = newRequestQueue(log.Named("queue"), w.conn)
	w.finalizer = newFinalizer(log.Named("finalizer"), tokenStore, w)

	return w
}

// SetObserver registers the purchase update observer and starts connecting.
// Passing nil tears the connection down and silently drops queued operations.
func (w *Wrapper) SetObserver(observer PurchasesUpdatedObserver) {
	w.mu.Lock()
	w.observer = observer
	w.mu.Unlock()

	w.exec.Execute(func() {
		if observer == nil {
			w.conn.disable()
			return
		}
		w.conn.enable()
	})
}

func (w *Wrapper) getObserver() PurchasesUpdatedObserver {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.observer
}

// Close clears the observer and releases background resources.
func (w *Wrapper) Close() {
	w.SetObserver(nil)
	w.dedup.close()
}

func (w *Wrapper) Status() Status {
	return w.conn.Status()
}

// Subscribe registers a handler for connection status changes. Handlers run
// on their own goroutine.
func (w *Wrapper) Subscribe(handler func(StatusChange)) (unsubscribe func()) {
	return w.statusBus.AddHandler(event.HandlerFunc[Status, StatusChange](func(_ Status, change StatusChange) {
		handler(change)
	}))
}

// Finalizer exposes the per-token finalization state.
func (w *Wrapper) Finalizer() *Finalizer {
	return w.finalizer
}

func (w *Wrapper) execute(op *pendingOperation) {
	w.exec.Execute(func() {
		w.queue.enqueueOrRun(op)
	})
}

// MakePurchase launches the platform purchase flow. The outcome is delivered
// to the observer; onError only sees failures to launch the flow.
func (w *Wrapper) MakePurchase(
	userID string,
	product *ProductDetails,
	replaceInfo *ReplaceInfo,
	presentedOfferingID string,
	onError func(*Error),
) {
	log := w.log.With(
		zap.String("product_id", product.ProductID),
		zap.String("product_type", product.Type.String()),
	)

	w.mu.Lock()
	if len(presentedOfferingID) > 0 {
		w.presentedOfferings[product.ProductID] = presentedOfferingID
	}
	w.productTypes[product.ProductID] = product.Type
	w.mu.Unlock()

	params := &FlowParams{Product: product}
	if replaceInfo != nil && replaceInfo.OldPurchase != nil {
		params.SubscriptionUpdate = &SubscriptionUpdateParams{
			OldPurchaseToken: replaceInfo.OldPurchase.PurchaseToken,
			ProrationMode:    replaceInfo.ProrationMode,
		}
	} else {
		params.ObfuscatedAccountID = ObfuscateAccountID(userID)
	}

	gate := newResponseGate[Result](nil, onError)
	w.execute(newPendingOperation("launch_billing_flow", func(client Client) {
		result := client.LaunchBillingFlow(params)
		if !result.IsOK() {
			log.Warn("Failed to launch billing flow", zap.String("response_code", result.Code.String()))
			gate.fail(ErrorForResult(result, "error launching billing flow"))
			return
		}
		gate.success(result)
	}, gate.fail))
}

// QueryOwnedPurchases returns the active subscriptions and unconsumed one-time
// products, keyed by purchase token.
func (w *Wrapper) QueryOwnedPurchases(
	userID string,
	onSuccess func(map[string]*PurchaseRecord),
	onError func(*Error),
) {
	gate := newResponseGate(onSuccess, onError)

	w.queryPurchases(ProductTypeSubs, func(subs []*PlatformPurchase) {
		w.queryPurchases(ProductTypeInApp, func(inApp []*PlatformPurchase) {
			byToken := make(map[string]*PurchaseRecord, len(subs)+len(inApp))
			for _, purchase := range subs {
				byToken[purchase.PurchaseToken] = NewPurchaseRecord(purchase, ProductTypeSubs, "")
			}
			for _, purchase := range inApp {
				byToken[purchase.PurchaseToken] = NewPurchaseRecord(purchase, ProductTypeInApp, "")
			}

			w.log.Debug("Queried owned purchases",
				zap.String("user_id", userID),
				zap.Int("subscriptions", len(subs)),
				zap.Int("in_app", len(inApp)),
			)

			gate.success(byToken)
		}, gate.fail)
	}, gate.fail)
}

func (w *Wrapper) queryPurchases(
	productType ProductType,
	onSuccess func([]*PlatformPurchase),
	onError func(*Error),
) {
	gate := newResponseGate(onSuccess, onError)
	w.execute(newPendingOperation("query_purchases_"+productType.String(), func(client Client) {
		client.QueryPurchases(productType, func(result Result, purchases []*PlatformPurchase) {
			if !result.IsOK() {
				gate.fail(ErrorForResult(result, "error querying "+productType.String()+" purchases"))
				return
			}
			gate.success(nonNilPurchases(purchases))
		})
	}, gate.fail))
}

// QueryPurchaseHistory returns every purchase ever made for one product type,
// including expired and replaced ones.
func (w *Wrapper) QueryPurchaseHistory(
	productType ProductType,
	onSuccess func([]*PurchaseRecord),
	onError func(*Error),
) {
	gate := newResponseGate(onSuccess, onError)
	w.execute(newPendingOperation("query_purchase_history_"+productType.String(), func(client Client) {
		client.QueryPurchaseHistory(productType, func(result Result, history []*HistoryRecord) {
			if !result.IsOK() {
				gate.fail(ErrorForResult(result, "error receiving purchase history"))
				return
			}

			records := make([]*PurchaseRecord, 0, len(history))
			for _, h := range history {
				if h == nil {
					continue
				}
				records = append(records, NewPurchaseRecordFromHistory(h, productType))
			}
			gate.success(records)
		})
	}, gate.fail))
}

// QueryAllPurchases returns the subscription history followed by the one-time
// product history.
func (w *Wrapper) QueryAllPurchases(
	userID string,
	onSuccess func([]*PurchaseRecord),
	onError func(*Error),
) {
	gate := newResponseGate(onSuccess, onError)

	w.QueryPurchaseHistory(ProductTypeSubs, func(subs []*PurchaseRecord) {
		w.QueryPurchaseHistory(ProductTypeInApp, func(inApp []*PurchaseRecord) {
			w.log.Debug("Queried all purchases", zap.String("user_id", userID))

			all := make([]*PurchaseRecord, 0, len(subs)+len(inApp))
			all = append(all, subs...)
			all = append(all, inApp...)
			gate.success(all)
		}, gate.fail)
	}, gate.fail)
}

func (w *Wrapper) FindPurchaseInPurchaseHistory(
	userID string,
	productType ProductType,
	productID string,
	onSuccess func(*PurchaseRecord),
	onError func(*Error),
) {
	gate := newResponseGate(onSuccess, onError)

	w.QueryPurchaseHistory(productType, func(records []*PurchaseRecord) {
		for _, record := range records {
			if record.ProductID() == productID {
				gate.success(record)
				return
			}
		}

		w.log.Debug("No purchase found in history",
			zap.String("user_id", userID),
			zap.String("product_id", productID),
		)
		gate.fail(NewError(ErrorCodePurchaseInvalid, "no purchase found in history for product "+productID))
	}, gate.fail)
}

// GetPurchaseType reports whether a token belongs to an owned subscription or
// one-time product. Unknown is reported when neither query finds it.
func (w *Wrapper) GetPurchaseType(purchaseToken string, onResult func(ProductType)) {
	var fired atomic.Bool
	resolve := func(productType ProductType) {
		if fired.CompareAndSwap(false, true) {
			onResult(productType)
		}
	}

	queryInApp := func() {
		w.queryPurchases(ProductTypeInApp, func(purchases []*PlatformPurchase) {
			if containsToken(purchases, purchaseToken) {
				resolve(ProductTypeInApp)
				return
			}
			resolve(ProductTypeUnknown)
		}, func(err *Error) {
			w.log.Debug("Failed to query in-app purchases for purchase type", zap.Error(err))
			resolve(ProductTypeUnknown)
		})
	}

	w.queryPurchases(ProductTypeSubs, func(purchases []*PlatformPurchase) {
		if containsToken(purchases, purchaseToken) {
			resolve(ProductTypeSubs)
			return
		}
		queryInApp()
	}, func(err *Error) {
		w.log.Debug("Failed to query subscriptions for purchase type", zap.Error(err))
		queryInApp()
	})
}

// QueryProductDetails ignores blank identifiers. When none remain, onSuccess
// is called immediately with an empty list. An unknown product type is queried
// as a one-time product.
func (w *Wrapper) QueryProductDetails(
	productType ProductType,
	productIDs []string,
	onSuccess func([]*ProductDetails),
	onError func(*Error),
) {
	nonEmpty := funk.UniqString(funk.FilterString(productIDs, func(productID string) bool {
		return len(strings.TrimSpace(productID)) > 0
	}))
	if len(nonEmpty) == 0 {
		w.log.Debug("No product identifiers to query")
		if onSuccess != nil {
			onSuccess([]*ProductDetails{})
		}
		return
	}

	if productType == ProductTypeUnknown {
		productType = ProductTypeInApp
	}

	params := &ProductDetailsParams{
		Type:       productType,
		ProductIDs: nonEmpty,
	}

	gate := newResponseGate(onSuccess, onError)
	w.execute(newPendingOperation("query_product_details", func(client Client) {
		client.QueryProductDetails(params, func(result Result, details []*ProductDetails) {
			if !result.IsOK() {
				gate.fail(ErrorForResult(result, "error fetching product details"))
				return
			}
			if details == nil {
				details = []*ProductDetails{}
			}
			gate.success(details)
		})
	}, gate.fail))
}

// ConsumeOrAcknowledge finalizes a purchase. Pending purchases are reported
// as deferred without any platform call.
func (w *Wrapper) ConsumeOrAcknowledge(
	ctx context.Context,
	purchase *PurchaseRecord,
	shouldFinalize bool,
	onSuccess func(*PurchaseRecord, FinalizeOutcome),
	onError func(*PurchaseRecord, *Error),
) {
	w.finalizer.Finalize(ctx, purchase, shouldFinalize, onSuccess, onError)
}

// NormalizePurchaseData resolves the product identifier to report for a
// purchase. Play identifiers are already normalized.
func (w *Wrapper) NormalizePurchaseData(
	productID string,
	purchaseToken string,
	storeUserID string,
	onSuccess func(string),
	onError func(*Error),
) {
	onSuccess(productID)
}

func (w *Wrapper) consume(params *ConsumeParams, onResult func(Result), onError func(*Error), onDiscard func()) {
	gate := newResponseGate(onResult, onError)
	op := newPendingOperation("consume", func(client Client) {
		client.Consume(params, func(result Result, _ string) {
			gate.success(result)
		})
	}, gate.fail)
	w.execute(op.onDiscard(onDiscard))
}

func (w *Wrapper) acknowledge(params *AcknowledgeParams, onResult func(Result), onError func(*Error), onDiscard func()) {
	gate := newResponseGate(onResult, onError)
	op := newPendingOperation("acknowledge", func(client Client) {
		client.Acknowledge(params, func(result Result) {
			gate.success(result)
		})
	}, gate.fail)
	w.execute(op.onDiscard(onDiscard))
}

// onPurchasesUpdated is the platform purchase update listener. It may be
// invoked from any goroutine.
func (w *Wrapper) onPurchasesUpdated(result Result, purchases []*PlatformPurchase) {
	observer := w.getObserver()
	if observer == nil {
		w.log.Debug("Dropping purchase update without an observer")
		return
	}

	if !result.IsOK() {
		err := ErrorForResult(result, "error updating purchases")
		w.log.Debug("Purchase update failed", zap.String("response_code", result.Code.String()))
		observer.OnPurchasesFailedToUpdate(err)
		return
	}

	purchases = nonNilPurchases(purchases)
	if w.dedup.isDuplicate(purchases) {
		w.log.Debug("Dropping duplicate purchase update", zap.Int("count", len(purchases)))
		return
	}

	productTypes := make([]ProductType, len(purchases))
	offerings := make([]string, len(purchases))

	w.mu.Lock()
	for i, purchase := range purchases {
		productID := primaryProductID(purchase)
		productTypes[i] = w.productTypes[productID]
		offerings[i] = w.presentedOfferings[productID]
		delete(w.presentedOfferings, productID)
		delete(w.productTypes, productID)
	}
	w.mu.Unlock()

	forward := func() {
		records := make([]*PurchaseRecord, len(purchases))
		for i, purchase := range purchases {
			records[i] = NewPurchaseRecord(purchase, productTypes[i], offerings[i])
		}
		observer.OnPurchasesUpdated(records)
	}

	var unresolved []int
	for i, productType := range productTypes {
		if productType == ProductTypeUnknown {
			unresolved = append(unresolved, i)
		}
	}
	if len(unresolved) == 0 {
		forward()
		return
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(unresolved)))
	for _, i := range unresolved {
		i := i
		w.GetPurchaseType(purchases[i].PurchaseToken, func(productType ProductType) {
			productTypes[i] = productType
			if remaining.Add(-1) == 0 {
				forward()
			}
		})
	}
}

// ObfuscateAccountID derives the account identifier attached to purchase
// flows, so the platform never sees raw user identifiers.
func ObfuscateAccountID(userID string) string {
	hash := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(hash[:])
}

func nonNilPurchases(purchases []*PlatformPurchase) []*PlatformPurchase {
	res := make([]*PlatformPurchase, 0, len(purchases))
	for _, purchase := range purchases {
		if purchase != nil {
			res = append(res, purchase)
		}
	}
	return res
}

func containsToken(purchases []*PlatformPurchase, purchaseToken string) bool {
	for _, purchase := range purchases {
		if purchase.PurchaseToken == purchaseToken {
			return true
		}
	}
	return false
}

func primaryProductID(purchase *PlatformPurchase) string {
	if len(purchase.ProductIDs) == 0 {
		return ""
	}
	return purchase.ProductIDs[0]
}
