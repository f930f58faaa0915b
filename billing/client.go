package billing

// ConnectionListener receives lifecycle callbacks for one connection attempt.
type ConnectionListener interface {
	// OnSetupFinished is called once a connection attempt resolves.
	OnSetupFinished(result Result)

	// OnServiceDisconnected is called when a live connection is lost.
	OnServiceDisconnected()
}

// PurchasesUpdatedListener receives purchase flow outcomes. A nil purchase
// slice with an OK result is valid.
type PurchasesUpdatedListener func(result Result, purchases []*PlatformPurchase)

type FlowParams struct {
	Product             *ProductDetails
	ObfuscatedAccountID string
	SubscriptionUpdate  *SubscriptionUpdateParams
}

type SubscriptionUpdateParams struct {
	OldPurchaseToken string
	ProrationMode    ProrationMode
}

type ProductDetailsParams struct {
	Type       ProductType
	ProductIDs []string
}

type ConsumeParams struct {
	PurchaseToken string
	ProductID     string
}

type AcknowledgeParams struct {
	PurchaseToken string
	ProductID     string
	Type          ProductType
}

// Client is a single platform billing service handle. Every asynchronous
// method may invoke its listener from any goroutine, and may invoke it more
// than once.
type Client interface {
	StartConnection(listener ConnectionListener)
	EndConnection()
	IsReady() bool

	LaunchBillingFlow(params *FlowParams) Result

	QueryPurchases(productType ProductType, listener func(Result, []*PlatformPurchase))
	QueryPurchaseHistory(productType ProductType, listener func(Result, []*HistoryRecord))
	QueryProductDetails(params *ProductDetailsParams, listener func(Result, []*ProductDetails))

	Consume(params *ConsumeParams, listener func(result Result, purchaseToken string))
	Acknowledge(params *AcknowledgeParams, listener func(Result))
}

// ClientFactory builds a fresh platform handle. A new handle is built after
// every teardown.
type ClientFactory interface {
	NewClient(listener PurchasesUpdatedListener) Client
}

// ClientFactoryFunc is an adapter to allow the use of ordinary functions as
// ClientFactories.
type ClientFactoryFunc func(listener PurchasesUpdatedListener) Client

// NewClient calls f(listener).
func (f ClientFactoryFunc) NewClient(listener PurchasesUpdatedListener) Client {
	return f(listener)
}
