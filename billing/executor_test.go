package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSerialExecutor_RunsInOrder(t *testing.T) {
	exec := NewSerialExecutor(zaptest.NewLogger(t))
	defer exec.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		i := i
		exec.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerialExecutor_ExecuteAfter(t *testing.T) {
	exec := NewSerialExecutor(zaptest.NewLogger(t))
	defer exec.Close()

	fired := make(chan struct{}, 2)
	exec.ExecuteAfter(20*time.Millisecond, func() {
		fired <- struct{}{}
	})
	cancel := exec.ExecuteAfter(20*time.Millisecond, func() {
		fired <- struct{}{}
	})
	cancel()

	select {
	case <-fired:
	case <-time.After(time.Second):
		require.Fail(t, "timed out")
	}

	select {
	case <-fired:
		require.Fail(t, "cancelled function ran")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSerialExecutor_RecoversFromPanic(t *testing.T) {
	exec := NewSerialExecutor(zaptest.NewLogger(t))
	defer exec.Close()

	done := make(chan struct{})
	exec.Execute(func() {
		panic("boom")
	})
	exec.Execute(func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "timed out")
	}
}

func TestSerialExecutor_DropsAfterClose(t *testing.T) {
	exec := NewSerialExecutor(zaptest.NewLogger(t))
	exec.Close()
	exec.Close()

	ran := make(chan struct{}, 1)
	exec.Execute(func() {
		ran <- struct{}{}
	})

	select {
	case <-ran:
		require.Fail(t, "function ran after close")
	case <-time.After(50 * time.Millisecond):
	}
}
