package billing

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/flipcash2-billing/tokens"
)

type FinalizeState uint8

const (
	FinalizeStateUnprocessed FinalizeState = iota
	FinalizeStatePendingConsumption
	FinalizeStatePendingAcknowledgment
	FinalizeStateFinalized
	FinalizeStateFailed
)

func (s FinalizeState) String() string {
	switch s {
	case FinalizeStatePendingConsumption:
		return "pending_consumption"
	case FinalizeStatePendingAcknowledgment:
		return "pending_acknowledgment"
	case FinalizeStateFinalized:
		return "finalized"
	case FinalizeStateFailed:
		return "failed"
	default:
		return "unprocessed"
	}
}

func (s FinalizeState) inFlight() bool {
	return s == FinalizeStatePendingConsumption || s == FinalizeStatePendingAcknowledgment
}

// FinalizeOutcome says how a successful finalization was reached.
type FinalizeOutcome uint8

const (
	// The purchase is pending payment; nothing was done or recorded
	FinalizeOutcomeDeferred FinalizeOutcome = iota
	FinalizeOutcomeConsumed
	FinalizeOutcomeAcknowledged
	// The platform already had the purchase acknowledged
	FinalizeOutcomeAlreadyAcknowledged
	// The caller asked not to consume or acknowledge
	FinalizeOutcomeSkipped
	// The token was recorded by an earlier finalization
	FinalizeOutcomeAlreadyProcessed
)

func (o FinalizeOutcome) String() string {
	switch o {
	case FinalizeOutcomeConsumed:
		return "consumed"
	case FinalizeOutcomeAcknowledged:
		return "acknowledged"
	case FinalizeOutcomeAlreadyAcknowledged:
		return "already_acknowledged"
	case FinalizeOutcomeSkipped:
		return "skipped"
	case FinalizeOutcomeAlreadyProcessed:
		return "already_processed"
	default:
		return "deferred"
	}
}

// finalizeActions issues the platform calls. At most one of onResult or
// onError is invoked per call. onDiscard is invoked instead when the call is
// dropped before reaching the platform.
type finalizeActions interface {
	consume(params *ConsumeParams, onResult func(Result), onError func(*Error), onDiscard func())
	acknowledge(params *AcknowledgeParams, onResult func(Result), onError func(*Error), onDiscard func())
}

type finalizeWaiter struct {
	onSuccess func(*PurchaseRecord, FinalizeOutcome)
	onError   func(*PurchaseRecord, *Error)
}

type finalization struct {
	state   FinalizeState
	waiters []finalizeWaiter
}

// Finalizer consumes or acknowledges completed purchases and records their
// tokens once the platform confirms. Concurrent finalizations of one token
// share a single platform call.
type Finalizer struct {
	log     *zap.Logger
	tokens  tokens.Store
	actions finalizeActions

	mu      sync.Mutex
	entries map[string]*finalization
}

func newFinalizer(log *zap.Logger, tokenStore tokens.Store, actions finalizeActions) *Finalizer {
	return &Finalizer{
		log:     log,
		tokens:  tokenStore,
		actions: actions,
		entries: make(map[string]*finalization),
	}
}

// State returns the finalization state last observed for a token.
func (f *Finalizer) State(purchaseToken string) FinalizeState {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[purchaseToken]
	if !ok {
		return FinalizeStateUnprocessed
	}
	return entry.state
}

func (f *Finalizer) Finalize(
	ctx context.Context,
	purchase *PurchaseRecord,
	shouldFinalize bool,
	onSuccess func(*PurchaseRecord, FinalizeOutcome),
	onError func(*PurchaseRecord, *Error),
) {
	log := f.log.With(
		zap.String("purchase_token", purchase.PurchaseToken),
		zap.String("product_id", purchase.ProductID()),
		zap.String("product_type", purchase.Type.String()),
	)

	if purchase.State == PurchaseStatePending {
		log.Debug("Not finalizing a pending purchase")
		if onSuccess != nil {
			onSuccess(purchase, FinalizeOutcomeDeferred)
		}
		return
	}

	waiter := finalizeWaiter{onSuccess: onSuccess, onError: onError}

	f.mu.Lock()
	entry, ok := f.entries[purchase.PurchaseToken]
	if !ok {
		entry = &finalization{state: FinalizeStateUnprocessed}
		f.entries[purchase.PurchaseToken] = entry
	}
	switch {
	case entry.state == FinalizeStateFinalized:
		f.mu.Unlock()
		log.Debug("Purchase token already finalized")
		if onSuccess != nil {
			onSuccess(purchase, FinalizeOutcomeAlreadyProcessed)
		}
		return
	case entry.state.inFlight():
		entry.waiters = append(entry.waiters, waiter)
		f.mu.Unlock()
		log.Debug("Joining in-flight finalization")
		return
	}

	// Claim the token before any I/O so concurrent callers join this attempt
	if purchase.Type == ProductTypeInApp {
		entry.state = FinalizeStatePendingConsumption
	} else {
		entry.state = FinalizeStatePendingAcknowledgment
	}
	entry.waiters = append(entry.waiters, waiter)
	f.mu.Unlock()

	isProcessed, err := f.tokens.IsTokenProcessed(ctx, purchase.PurchaseToken)
	if err != nil {
		log.Warn("Failed to check processed token", zap.Error(err))
		f.fail(purchase, NewError(ErrorCodeUnknown, errors.Wrap(err, "error checking processed token").Error()))
		return
	} else if isProcessed {
		f.succeed(purchase, FinalizeOutcomeAlreadyProcessed)
		return
	}

	if !shouldFinalize {
		log.Debug("Recording purchase token without consuming or acknowledging")
		f.record(ctx, log, purchase, FinalizeOutcomeSkipped)
		return
	}

	switch purchase.Type {
	case ProductTypeUnknown:
		log.Warn("Not finalizing a purchase of unknown type")
		f.fail(purchase, NewError(ErrorCodePurchaseInvalid, "cannot consume or acknowledge a purchase of unknown type"))
	case ProductTypeInApp:
		log.Debug("Consuming purchase")
		f.actions.consume(
			&ConsumeParams{
				PurchaseToken: purchase.PurchaseToken,
				ProductID:     purchase.ProductID(),
			},
			func(result Result) {
				f.onPlatformResult(ctx, log, purchase, result, FinalizeOutcomeConsumed, "error consuming purchase")
			},
			func(err *Error) {
				f.fail(purchase, err)
			},
			func() {
				f.abandon(purchase.PurchaseToken)
			},
		)
	default:
		if purchase.Acknowledged {
			log.Debug("Purchase already acknowledged")
			f.record(ctx, log, purchase, FinalizeOutcomeAlreadyAcknowledged)
			return
		}

		log.Debug("Acknowledging purchase")
		f.actions.acknowledge(
			&AcknowledgeParams{
				PurchaseToken: purchase.PurchaseToken,
				ProductID:     purchase.ProductID(),
				Type:          purchase.Type,
			},
			func(result Result) {
				f.onPlatformResult(ctx, log, purchase, result, FinalizeOutcomeAcknowledged, "error acknowledging purchase")
			},
			func(err *Error) {
				f.fail(purchase, err)
			},
			func() {
				f.abandon(purchase.PurchaseToken)
			},
		)
	}
}

func (f *Finalizer) onPlatformResult(
	ctx context.Context,
	log *zap.Logger,
	purchase *PurchaseRecord,
	result Result,
	outcome FinalizeOutcome,
	message string,
) {
	if !result.IsOK() {
		log.Warn("Platform rejected finalization", zap.String("response_code", result.Code.String()))
		f.fail(purchase, ErrorForResult(result, message))
		return
	}
	f.record(ctx, log, purchase, outcome)
}

func (f *Finalizer) record(ctx context.Context, log *zap.Logger, purchase *PurchaseRecord, outcome FinalizeOutcome) {
	err := f.tokens.MarkTokenProcessed(ctx, purchase.PurchaseToken)
	if err != nil && err != tokens.ErrExists {
		log.Warn("Failed to record processed token", zap.Error(err))
		f.fail(purchase, NewError(ErrorCodeUnknown, errors.Wrap(err, "error marking token processed").Error()))
		return
	}
	f.succeed(purchase, outcome)
}

func (f *Finalizer) succeed(purchase *PurchaseRecord, outcome FinalizeOutcome) {
	for _, waiter := range f.resolve(purchase.PurchaseToken, FinalizeStateFinalized) {
		if waiter.onSuccess != nil {
			waiter.onSuccess(purchase, outcome)
		}
	}
}

func (f *Finalizer) fail(purchase *PurchaseRecord, err *Error) {
	for _, waiter := range f.resolve(purchase.PurchaseToken, FinalizeStateFailed) {
		if waiter.onError != nil {
			waiter.onError(purchase, err)
		}
	}
}

// abandon forgets an in-flight finalization without notifying its waiters, so
// the token can be finalized again on the next delivery.
func (f *Finalizer) abandon(purchaseToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entries, purchaseToken)
}

func (f *Finalizer) resolve(purchaseToken string, state FinalizeState) []finalizeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[purchaseToken]
	if !ok {
		return nil
	}
	entry.state = state
	waiters := entry.waiters
	entry.waiters = nil
	return waiters
}
