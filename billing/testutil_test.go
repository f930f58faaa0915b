package billing

import (
	"sync"
	"time"
)

type scheduled struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

// inlineExecutor runs submitted functions on the caller in FIFO order and
// holds delayed functions until fired.
type inlineExecutor struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	delayed []*scheduled
}

func (e *inlineExecutor) Execute(fn func()) {
	e.mu.Lock()
	e.tasks = append(e.tasks, fn)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		next := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		next()
	}
}

func (e *inlineExecutor) ExecuteAfter(delay time.Duration, fn func()) func() {
	if delay <= 0 {
		e.Execute(fn)
		return func() {}
	}

	task := &scheduled{delay: delay, fn: fn}
	e.mu.Lock()
	e.delayed = append(e.delayed, task)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		task.cancelled = true
	}
}

func (e *inlineExecutor) delays() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res []time.Duration
	for _, task := range e.delayed {
		res = append(res, task.delay)
	}
	return res
}

func (e *inlineExecutor) fireNext() bool {
	e.mu.Lock()
	var next *scheduled
	for _, task := range e.delayed {
		if !task.cancelled {
			next = task
			task.cancelled = true
			break
		}
	}
	e.mu.Unlock()

	if next == nil {
		return false
	}
	e.Execute(next.fn)
	return true
}

func (e *inlineExecutor) outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var count int
	for _, task := range e.delayed {
		if !task.cancelled {
			count++
		}
	}
	return count
}

// fakeClient answers connection attempts with scripted results and records
// lifecycle calls. Platform operations are not used by these tests.
type fakeClient struct {
	mu       sync.Mutex
	results  []ResponseCode
	ready    bool
	starts   int
	ends     int
	listener ConnectionListener
}

func (c *fakeClient) StartConnection(listener ConnectionListener) {
	c.mu.Lock()
	c.starts++
	c.listener = listener
	code := ResponseOK
	if len(c.results) > 0 {
		code = c.results[0]
		c.results = c.results[1:]
	}
	c.ready = code == ResponseOK
	c.mu.Unlock()

	listener.OnSetupFinished(Result{Code: code})
}

func (c *fakeClient) EndConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ends++
	c.ready = false
}

func (c *fakeClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ready
}

func (c *fakeClient) disconnect() {
	c.mu.Lock()
	c.ready = false
	listener := c.listener
	c.mu.Unlock()

	listener.OnServiceDisconnected()
}

func (c *fakeClient) LaunchBillingFlow(*FlowParams) Result {
	return OKResult()
}

func (c *fakeClient) QueryPurchases(ProductType, func(Result, []*PlatformPurchase)) {}

func (c *fakeClient) QueryPurchaseHistory(ProductType, func(Result, []*HistoryRecord)) {}

func (c *fakeClient) QueryProductDetails(*ProductDetailsParams, func(Result, []*ProductDetails)) {}

func (c *fakeClient) Consume(*ConsumeParams, func(Result, string)) {}

func (c *fakeClient) Acknowledge(*AcknowledgeParams, func(Result)) {}

type fakeFactory struct {
	mu      sync.Mutex
	results []ResponseCode
	clients []*fakeClient
}

func (f *fakeFactory) NewClient(PurchasesUpdatedListener) Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	client := &fakeClient{results: f.results}
	f.results = nil
	f.clients = append(f.clients, client)
	return client
}

func (f *fakeFactory) latest() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}
