package memory

import (
	"testing"

	"github.com/code-payments/flipcash2-billing/tokens/tests"
)

func TestTokens_MemoryStore(t *testing.T) {
	testStore := NewInMemory()
	teardown := func() {
		testStore.(*InMemoryStore).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}
