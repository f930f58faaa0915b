package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToEveryHandler(t *testing.T) {
	bus := NewBus[string, int]()

	first := NewTestEventObserver[string, int]()
	second := NewTestEventObserver[string, int]()

	bus.AddHandler(first)
	removeSecond := bus.AddHandler(second)
	require.Equal(t, 2, bus.HandlerCount())

	bus.OnEvent("key", 1)

	for _, observer := range []*TestEventObserver[string, int]{first, second} {
		observer.WaitFor(t, func(events []*KeyAndEvent[string, int]) bool {
			return len(events) == 1 && events[0].Key == "key" && events[0].Event == 1
		})
	}

	removeSecond()
	require.Equal(t, 1, bus.HandlerCount())

	bus.OnEvent("key", 2)
	bus.OnEvent("other", 3)

	first.WaitFor(t, func(events []*KeyAndEvent[string, int]) bool {
		return len(events) == 3
	})
	require.Len(t, first.GetEvents(func(key string, _ int) bool { return key == "key" }), 2)
	require.Len(t, second.GetEvents(func(string, int) bool { return true }), 1)

	removeSecond()
	require.Equal(t, 1, bus.HandlerCount())

	first.Reset()
	require.Empty(t, first.GetEvents(func(string, int) bool { return true }))
}

func TestBus_HandlerFunc(t *testing.T) {
	bus := NewBus[string, string]()
	observer := NewTestEventObserver[string, string]()

	bus.AddHandler(HandlerFunc[string, string](func(key, e string) {
		observer.OnEvent(key, e+"!")
	}))
	bus.OnEvent("k", "v")

	observer.WaitFor(t, func(events []*KeyAndEvent[string, string]) bool {
		return len(events) == 1 && events[0].Event == "v!"
	})
}
