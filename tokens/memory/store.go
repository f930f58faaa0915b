package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/code-payments/flipcash2-billing/tokens"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

func NewInMemory() tokens.Store {
	return &InMemoryStore{
		tokens: map[string]struct{}{},
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = make(map[string]struct{})
}

func (s *InMemoryStore) IsTokenProcessed(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tokens[token]
	return ok, nil
}

func (s *InMemoryStore) MarkTokenProcessed(_ context.Context, token string) error {
	if len(token) == 0 {
		return errors.New("token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token]; ok {
		return tokens.ErrExists
	}
	s.tokens[token] = struct{}{}
	return nil
}

func (s *InMemoryStore) GetProcessedTokens(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]string, 0, len(s.tokens))
	for token := range s.tokens {
		res = append(res, token)
	}
	sort.Strings(res)
	return res, nil
}

func (s *InMemoryStore) RetainTokens(_ context.Context, active []string) error {
	keep := make(map[string]struct{}, len(active))
	for _, token := range active {
		keep[token] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for token := range s.tokens {
		if _, ok := keep[token]; !ok {
			delete(s.tokens, token)
		}
	}
	return nil
}
