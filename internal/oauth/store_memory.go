package oauth

import (
	"fmt"
	"sync"
)

// MemoryTokenStore keeps tokens in memory. Useful for tests and for
// embedders that handle persistence themselves.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*Tokens
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*Tokens)}
}

// FindToken implements TokenStore
func (s *MemoryTokenStore) FindToken(principal, server string) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[StorageKey(principal, server)]
	if !ok {
		return nil, ErrNoToken
	}
	cp := *t
	return &cp, nil
}

// CreateToken implements TokenStore
func (s *MemoryTokenStore) CreateToken(principal, server string, tokens *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := StorageKey(principal, server)
	if _, exists := s.tokens[key]; exists {
		return fmt.Errorf("token already exists for %s/%s", principal, server)
	}
	cp := *tokens
	s.tokens[key] = &cp
	return nil
}

// UpdateToken implements TokenStore
func (s *MemoryTokenStore) UpdateToken(principal, server string, tokens *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tokens
	s.tokens[StorageKey(principal, server)] = &cp
	return nil
}
