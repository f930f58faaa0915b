package memory

import (
	"sync"
	"time"

	"github.com/code-payments/flipcash2-billing/billing"
)

type delayedTask struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	ran       bool
}

// Executor is a deterministic billing.Executor. Submitted functions run in
// FIFO order on the submitting goroutine before Execute returns, unless
// another function is already running, in which case they run after it.
// Delayed functions are only recorded and run on demand via RunDelayed.
type Executor struct {
	mu      sync.Mutex
	tasks   []func()
	running bool

	delayed []*delayedTask
}

var _ billing.Executor = (*Executor)(nil)

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Execute(fn func()) {
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
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		next()
	}
}

func (e *Executor) ExecuteAfter(delay time.Duration, fn func()) func() {
	if delay <= 0 {
		e.Execute(fn)
		return func() {}
	}

	task := &delayedTask{delay: delay, fn: fn}

	e.mu.Lock()
	e.delayed = append(e.delayed, task)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		task.cancelled = true
	}
}

// Delays returns every non-zero delay requested so far, in order.
func (e *Executor) Delays() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := make([]time.Duration, len(e.delayed))
	for i, task := range e.delayed {
		res[i] = task.delay
	}
	return res
}

// PendingDelayed returns the number of delayed functions that are neither
// cancelled nor run.
func (e *Executor) PendingDelayed() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var count int
	for _, task := range e.delayed {
		if !task.cancelled && !task.ran {
			count++
		}
	}
	return count
}

// RunDelayed fires every outstanding delayed function as if its timer had
// elapsed, and returns how many ran.
func (e *Executor) RunDelayed() int {
	e.mu.Lock()
	var due []*delayedTask
	for _, task := range e.delayed {
		if !task.cancelled && !task.ran {
			task.ran = true
			due = append(due, task)
		}
	}
	e.mu.Unlock()

	for _, task := range due {
		e.Execute(task.fn)
	}
	return len(due)
}
