package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/code-payments/flipcash2-billing/billing"
)

const (
	MethodStartConnection      = "StartConnection"
	MethodEndConnection        = "EndConnection"
	MethodLaunchBillingFlow    = "LaunchBillingFlow"
	MethodQueryPurchases       = "QueryPurchases"
	MethodQueryPurchaseHistory = "QueryPurchaseHistory"
	MethodQueryProductDetails  = "QueryProductDetails"
	MethodConsume              = "Consume"
	MethodAcknowledge          = "Acknowledge"
)

// Call is one recorded invocation against a client handle.
type Call struct {
	Method string
	Handle int
	Arg    string
}

// Service is an in-memory platform billing service. Every client handle it
// builds shares its catalog, its owned purchases and its history. Failures
// and duplicate callback delivery can be scripted.
type Service struct {
	mu sync.Mutex

	products map[string]*billing.ProductDetails
	owned    map[billing.ProductType][]*billing.PlatformPurchase
	history  map[billing.ProductType][]*billing.HistoryRecord

	connectResults []billing.Result
	methodResults  map[string][]billing.Result

	duplicateCallbacks bool
	pendingPurchases   bool

	calls      []Call
	clients    []*Client
	lastFlow   *billing.FlowParams
	nextTokens int
	now        func() time.Time
}

func NewService() *Service {
	return &Service{
		products:      make(map[string]*billing.ProductDetails),
		owned:         make(map[billing.ProductType][]*billing.PlatformPurchase),
		history:       make(map[billing.ProductType][]*billing.HistoryRecord),
		methodResults: make(map[string][]billing.Result),
		now:           time.Now,
	}
}

// Factory returns a billing.ClientFactory that builds handles on this service.
func (s *Service) Factory() billing.ClientFactory {
	return billing.ClientFactoryFunc(func(listener billing.PurchasesUpdatedListener) billing.Client {
		s.mu.Lock()
		defer s.mu.Unlock()

		client := &Client{
			service:  s,
			handle:   len(s.clients),
			listener: listener,
		}
		s.clients = append(s.clients, client)
		return client
	})
}

func (s *Service) AddProduct(product *billing.ProductDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.ProductID] = product
}

// AddOwnedPurchase makes a purchase visible to QueryPurchases and records it
// in the purchase history.
func (s *Service) AddOwnedPurchase(productType billing.ProductType, purchase *billing.PlatformPurchase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.owned[productType] = append(s.owned[productType], purchase)
	s.history[productType] = append(s.history[productType], historyRecord(purchase))
}

func (s *Service) AddHistory(productType billing.ProductType, record *billing.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[productType] = append(s.history[productType], record)
}

// FailConnection scripts the results of the next connection attempts. Once
// exhausted, attempts succeed.
func (s *Service) FailConnection(codes ...billing.ResponseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, code := range codes {
		s.connectResults = append(s.connectResults, billing.Result{Code: code, DebugMessage: "scripted connection failure"})
	}
}

// FailNext scripts the result of the next call to method.
func (s *Service) FailNext(method string, code billing.ResponseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.methodResults[method] = append(s.methodResults[method], billing.Result{Code: code, DebugMessage: "scripted failure"})
}

// SetDuplicateCallbacks makes every listener fire twice, concurrently.
func (s *Service) SetDuplicateCallbacks(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.duplicateCallbacks = enabled
}

// SetPendingPurchases makes new purchases start in the pending state.
func (s *Service) SetPendingPurchases(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingPurchases = enabled
}

// Disconnect drops the connection of the most recent live handle.
func (s *Service) Disconnect() {
	client := s.latestClient()
	if client == nil {
		return
	}

	client.mu.Lock()
	client.ready = false
	listener := client.connListener
	client.mu.Unlock()

	if listener != nil {
		listener.OnServiceDisconnected()
	}
}

// SendPurchasesUpdated delivers a purchase update to the most recent handle's
// listener, as the platform does for purchases completed out of band.
func (s *Service) SendPurchasesUpdated(result billing.Result, purchases []*billing.PlatformPurchase) {
	client := s.latestClient()
	if client == nil {
		return
	}
	s.deliver(func() {
		client.listener(result, purchases)
	})
}

func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]Call, len(s.calls))
	copy(res, s.calls)
	return res
}

func (s *Service) CallsTo(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Call
	for _, call := range s.calls {
		if call.Method == method {
			res = append(res, call)
		}
	}
	return res
}

func (s *Service) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.clients)
}

// LastFlowParams returns the parameters of the most recent purchase flow.
func (s *Service) LastFlowParams() *billing.FlowParams {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastFlow
}

func (s *Service) OwnedPurchases(productType billing.ProductType) []*billing.PlatformPurchase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return clonePurchases(s.owned[productType])
}

func (s *Service) latestClient() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return nil
	}
	return s.clients[len(s.clients)-1]
}

func (s *Service) record(client *Client, method, arg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Method: method, Handle: client.handle, Arg: arg})
}

func (s *Service) nextConnectResult() billing.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.connectResults) == 0 {
		return billing.OKResult()
	}
	result := s.connectResults[0]
	s.connectResults = s.connectResults[1:]
	return result
}

func (s *Service) nextResult(method string) billing.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	scripted := s.methodResults[method]
	if len(scripted) == 0 {
		return billing.OKResult()
	}
	s.methodResults[method] = scripted[1:]
	return scripted[0]
}

func (s *Service) deliver(fn func()) {
	s.mu.Lock()
	duplicate := s.duplicateCallbacks
	s.mu.Unlock()

	if !duplicate {
		fn()
		return
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wg.Wait()
}

func (s *Service) purchase(params *billing.FlowParams) *billing.PlatformPurchase {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFlow = params
	s.nextTokens++

	state := billing.PurchaseStatePurchased
	if s.pendingPurchases {
		state = billing.PurchaseStatePending
	}

	purchase := &billing.PlatformPurchase{
		ProductIDs:    []string{params.Product.ProductID},
		PurchaseToken: fmt.Sprintf("token-%d", s.nextTokens),
		OrderID:       fmt.Sprintf("order-%d", s.nextTokens),
		PurchaseTime:  s.now(),
		State:         state,
	}

	if params.SubscriptionUpdate != nil {
		s.owned[billing.ProductTypeSubs] = removePurchase(s.owned[billing.ProductTypeSubs], params.SubscriptionUpdate.OldPurchaseToken)
	}
	s.owned[params.Product.Type] = append(s.owned[params.Product.Type], purchase)
	s.history[params.Product.Type] = append(s.history[params.Product.Type], historyRecord(purchase))

	return clonePurchase(purchase)
}

func (s *Service) consume(purchaseToken string) billing.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	for productType, purchases := range s.owned {
		for _, purchase := range purchases {
			if purchase.PurchaseToken == purchaseToken {
				s.owned[productType] = removePurchase(purchases, purchaseToken)
				return billing.OKResult()
			}
		}
	}
	return billing.Result{Code: billing.ResponseItemNotOwned, DebugMessage: "purchase not owned"}
}

func (s *Service) acknowledge(purchaseToken string) billing.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, purchases := range s.owned {
		for _, purchase := range purchases {
			if purchase.PurchaseToken == purchaseToken {
				purchase.Acknowledged = true
				return billing.OKResult()
			}
		}
	}
	return billing.Result{Code: billing.ResponseItemNotOwned, DebugMessage: "purchase not owned"}
}

// Client is one handle on a Service.
type Client struct {
	service  *Service
	handle   int
	listener billing.PurchasesUpdatedListener

	mu           sync.Mutex
	ready        bool
	ended        bool
	connListener billing.ConnectionListener
}

var _ billing.Client = (*Client)(nil)

func (c *Client) StartConnection(listener billing.ConnectionListener) {
	c.service.record(c, MethodStartConnection, "")

	result := c.service.nextConnectResult()

	c.mu.Lock()
	c.connListener = listener
	c.ready = result.IsOK() && !c.ended
	c.mu.Unlock()

	listener.OnSetupFinished(result)
}

func (c *Client) EndConnection() {
	c.service.record(c, MethodEndConnection, "")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = false
	c.ended = true
}

func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ready
}

func (c *Client) LaunchBillingFlow(params *billing.FlowParams) billing.Result {
	c.service.record(c, MethodLaunchBillingFlow, params.Product.ProductID)

	if result := c.service.nextResult(MethodLaunchBillingFlow); !result.IsOK() {
		return result
	}

	purchase := c.service.purchase(params)
	c.service.deliver(func() {
		c.listener(billing.OKResult(), []*billing.PlatformPurchase{purchase})
	})
	return billing.OKResult()
}

func (c *Client) QueryPurchases(productType billing.ProductType, listener func(billing.Result, []*billing.PlatformPurchase)) {
	c.service.record(c, MethodQueryPurchases, productType.String())

	result := c.service.nextResult(MethodQueryPurchases)
	var purchases []*billing.PlatformPurchase
	if result.IsOK() {
		purchases = c.service.OwnedPurchases(productType)
	}

	c.service.deliver(func() {
		listener(result, purchases)
	})
}

func (c *Client) QueryPurchaseHistory(productType billing.ProductType, listener func(billing.Result, []*billing.HistoryRecord)) {
	c.service.record(c, MethodQueryPurchaseHistory, productType.String())

	result := c.service.nextResult(MethodQueryPurchaseHistory)
	var records []*billing.HistoryRecord
	if result.IsOK() {
		c.service.mu.Lock()
		records = append(records, c.service.history[productType]...)
		c.service.mu.Unlock()
	}

	c.service.deliver(func() {
		listener(result, records)
	})
}

func (c *Client) QueryProductDetails(params *billing.ProductDetailsParams, listener func(billing.Result, []*billing.ProductDetails)) {
	c.service.record(c, MethodQueryProductDetails, fmt.Sprintf("%s:%v", params.Type, params.ProductIDs))

	result := c.service.nextResult(MethodQueryProductDetails)
	var details []*billing.ProductDetails
	if result.IsOK() {
		c.service.mu.Lock()
		for _, productID := range params.ProductIDs {
			product, ok := c.service.products[productID]
			if ok && product.Type == params.Type {
				details = append(details, product)
			}
		}
		c.service.mu.Unlock()
	}

	c.service.deliver(func() {
		listener(result, details)
	})
}

func (c *Client) Consume(params *billing.ConsumeParams, listener func(billing.Result, string)) {
	c.service.record(c, MethodConsume, params.PurchaseToken)

	result := c.service.nextResult(MethodConsume)
	if result.IsOK() {
		result = c.service.consume(params.PurchaseToken)
	}

	c.service.deliver(func() {
		listener(result, params.PurchaseToken)
	})
}

func (c *Client) Acknowledge(params *billing.AcknowledgeParams, listener func(billing.Result)) {
	c.service.record(c, MethodAcknowledge, params.PurchaseToken)

	result := c.service.nextResult(MethodAcknowledge)
	if result.IsOK() {
		result = c.service.acknowledge(params.PurchaseToken)
	}

	c.service.deliver(func() {
		listener(result)
	})
}

func historyRecord(purchase *billing.PlatformPurchase) *billing.HistoryRecord {
	productIDs := make([]string, len(purchase.ProductIDs))
	copy(productIDs, purchase.ProductIDs)

	return &billing.HistoryRecord{
		ProductIDs:    productIDs,
		PurchaseToken: purchase.PurchaseToken,
		PurchaseTime:  purchase.PurchaseTime,
		OriginalJSON:  purchase.OriginalJSON,
		Signature:     purchase.Signature,
	}
}

func removePurchase(purchases []*billing.PlatformPurchase, purchaseToken string) []*billing.PlatformPurchase {
	res := make([]*billing.PlatformPurchase, 0, len(purchases))
	for _, purchase := range purchases {
		if purchase.PurchaseToken != purchaseToken {
			res = append(res, purchase)
		}
	}
	return res
}

func clonePurchase(purchase *billing.PlatformPurchase) *billing.PlatformPurchase {
	cloned := *purchase
	cloned.ProductIDs = make([]string, len(purchase.ProductIDs))
	copy(cloned.ProductIDs, purchase.ProductIDs)
	return &cloned
}

func clonePurchases(purchases []*billing.PlatformPurchase) []*billing.PlatformPurchase {
	res := make([]*billing.PlatformPurchase, len(purchases))
	for i, purchase := range purchases {
		res[i] = clonePurchase(purchase)
	}
	return res
}
