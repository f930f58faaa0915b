package billing

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor is the single serialization point for connection and queue state.
// Functions passed to Execute never run concurrently with each other.
type Executor interface {
	Execute(fn func())

	// ExecuteAfter runs fn on the executor once delay has elapsed. The
	// returned function cancels it if it hasn't started yet.
	ExecuteAfter(delay time.Duration, fn func()) (cancel func())
}

// SerialExecutor runs submitted functions one at a time on a dedicated
// goroutine, in submission order.
type SerialExecutor struct {
	log *zap.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewSerialExecutor(log *zap.Logger) *SerialExecutor {
	e := &SerialExecutor{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	e.wg.Add(1)
	go e.loop()

	return e
}

func (e *SerialExecutor) Execute(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.tasks = append(e.tasks, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *SerialExecutor) ExecuteAfter(delay time.Duration, fn func()) func() {
	if delay <= 0 {
		e.Execute(fn)
		return func() {}
	}

	timer := time.AfterFunc(delay, func() {
		e.Execute(fn)
	})
	return func() {
		timer.Stop()
	}
}

// Close stops the executor. Pending functions are dropped.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.tasks = nil
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
}

func (e *SerialExecutor) loop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			if e.closed || len(e.tasks) == 0 {
				e.mu.Unlock()
				break
			}
			fn := e.tasks[0]
			e.tasks[0] = nil
			e.tasks = e.tasks[1:]
			e.mu.Unlock()

			e.run(fn)
		}
	}
}

func (e *SerialExecutor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.With(zap.Any("panic", r)).Error("Recovered from panic in billing executor")
		}
	}()

	fn()
}
