package event

import (
	"sync"

	"github.com/google/uuid"
)

type Handler[Key, Event any] interface {
	OnEvent(key Key, e Event)
}

// HandlerFunc is an adapter to allow the use of ordinary
// functions as Handlers.
type HandlerFunc[Key, Event any] func(Key, Event)

// OnEvent calls f(key, e).
func (f HandlerFunc[Key, Event]) OnEvent(key Key, e Event) {
	f(key, e)
}

type registration[Key, Event any] struct {
	id      uuid.UUID
	handler Handler[Key, Event]
}

// Bus fans events out to registered handlers. Each handler is invoked on its
// own goroutine, so publishers never block on slow subscribers.
type Bus[Key, Event any] struct {
	handlersMu sync.RWMutex
	handlers   []registration[Key, Event]
}

func NewBus[Key, Event any]() *Bus[Key, Event] {
	return &Bus[Key, Event]{}
}

// AddHandler registers h and returns a function that removes it again.
func (b *Bus[Key, Event]) AddHandler(h Handler[Key, Event]) (remove func()) {
	id := uuid.New()

	b.handlersMu.Lock()
	b.handlers = append(b.handlers, registration[Key, Event]{id: id, handler: h})
	b.handlersMu.Unlock()

	return func() {
		b.removeHandler(id)
	}
}

func (b *Bus[Key, Event]) removeHandler(id uuid.UUID) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	for i, r := range b.handlers {
		if r.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *Bus[Key, Event]) HandlerCount() int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	return len(b.handlers)
}

func (b *Bus[Key, Event]) OnEvent(key Key, e Event) {
	b.handlersMu.RLock()
	// Copy handlers to prevent race conditions
	handlers := make([]Handler[Key, Event], len(b.handlers))
	for i, r := range b.handlers {
		handlers[i] = r.handler
	}
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		go h.OnEvent(key, e)
	}
}
