package billing

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// connectionState owns the platform handle and the reconnect backoff. Every
// method other than Status must run on the executor.
type connectionState struct {
	log  *zap.Logger
	exec Executor

	factory          ClientFactory
	purchasesUpdated PurchasesUpdatedListener
	retryPolicy      *RetryPolicy
	backoff          *reconnectBackoff

	queue          *requestQueue
	onStatusChange func(from, to Status)

	status atomic.Int32

	// Zero or one live handle, replaced after every teardown.
	client Client

	enabled         bool
	immediate       bool
	cancelReconnect func()
	attempt         uint64
}

func newConnectionState(
	log *zap.Logger,
	exec Executor,
	factory ClientFactory,
	purchasesUpdated PurchasesUpdatedListener,
	config Config,
) *connectionState {
	return &connectionState{
		log:              log,
		exec:             exec,
		factory:          factory,
		purchasesUpdated: purchasesUpdated,
		retryPolicy:      NewRetryPolicy(config.RetryableCodes),
		backoff:          newReconnectBackoff(config.BackoffBase, config.BackoffMax),
		immediate:        true,
	}
}

func (c *connectionState) Status() Status {
	return Status(c.status.Load())
}

func (c *connectionState) setStatus(status Status) {
	previous := Status(c.status.Swap(int32(status)))
	if previous == status {
		return
	}

	c.log.Debug("Billing connection status changed",
		zap.String("from", previous.String()),
		zap.String("to", status.String()),
	)

	if c.onStatusChange != nil {
		c.onStatusChange(previous, status)
	}
}

// enable is called when an observer is registered. The next connection
// attempt goes out without delay.
func (c *connectionState) enable() {
	c.enabled = true
	c.immediate = true
	c.ensureConnected()
}

// disable is called when the observer is cleared.
func (c *connectionState) disable() {
	c.enabled = false
	c.teardown()
}

func (c *connectionState) ensureConnected() {
	if !c.enabled {
		return
	}

	switch c.Status() {
	case StatusConnected, StatusConnecting:
		return
	}

	if c.cancelReconnect != nil {
		// A reconnect is already scheduled
		return
	}

	var delay time.Duration
	if !c.immediate {
		delay = c.backoff.peek()
	}
	c.immediate = false

	c.setStatus(StatusConnecting)
	c.scheduleConnection(delay)
}

func (c *connectionState) scheduleConnection(delay time.Duration) {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}

	c.attempt++
	attempt := c.attempt

	c.log.Debug("Scheduling billing connection attempt", zap.Duration("delay", delay), zap.Uint64("attempt", attempt))

	var started bool
	cancel := c.exec.ExecuteAfter(delay, func() {
		if attempt != c.attempt {
			return
		}
		started = true
		c.cancelReconnect = nil
		c.startConnection()
	})

	// Executors may run zero-delay work inline, before ExecuteAfter returns
	if !started && attempt == c.attempt {
		c.cancelReconnect = cancel
	}
}

func (c *connectionState) startConnection() {
	if !c.enabled {
		return
	}

	if c.client == nil {
		c.client = c.factory.NewClient(c.purchasesUpdated)
	}

	c.setStatus(StatusConnecting)

	if c.client.IsReady() {
		c.onConnected()
		return
	}

	c.client.StartConnection(&connectionListener{
		state:  c,
		client: c.client,
	})
}

func (c *connectionState) onConnected() {
	if !c.enabled || c.client == nil {
		return
	}

	wasConnected := c.Status() == StatusConnected

	c.backoff.reset()
	c.setStatus(StatusConnected)

	if !wasConnected {
		c.log.Info("Connected to billing service")
		c.queue.drain()
	}
}

func (c *connectionState) onDisconnected(code ResponseCode) {
	if !c.enabled {
		return
	}

	c.setStatus(StatusDisconnected)

	log := c.log.With(zap.String("response_code", code.String()))

	if c.retryPolicy.IsRetryable(code) {
		delay := c.backoff.advance()
		log.Warn("Billing service connection lost, retrying", zap.Duration("delay", delay))
		c.scheduleConnection(delay)
		return
	}

	log.Warn("Billing service connection failed with a terminal code")
	c.queue.failAll(connectionError(code))
}

// teardown ends the platform connection regardless of the current status and
// silently drops queued operations.
func (c *connectionState) teardown() {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
	c.attempt++

	if c.client != nil {
		c.client.EndConnection()
		c.client = nil
	}

	c.setStatus(StatusDisconnected)
	c.queue.discard()
}

// connectionListener is bound to the handle it was registered with, so late
// callbacks for a replaced handle are ignored.
type connectionListener struct {
	state  *connectionState
	client Client
}

func (l *connectionListener) OnSetupFinished(result Result) {
	l.state.exec.Execute(func() {
		if l.client != l.state.client {
			l.state.log.Debug("Ignoring setup result for a stale billing client")
			return
		}

		if result.IsOK() {
			l.state.onConnected()
			return
		}
		l.state.onDisconnected(result.Code)
	})
}

func (l *connectionListener) OnServiceDisconnected() {
	l.state.exec.Execute(func() {
		if l.client != l.state.client {
			return
		}
		l.state.onDisconnected(ResponseServiceDisconnected)
	})
}
