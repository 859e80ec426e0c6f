package oauth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringService = "mcppool"

// KeyringTokenStore persists tokens in the OS keyring. Suited to desktop
// hosts where tokens should not sit in a plain file.
type KeyringTokenStore struct {
	service string
}

// NewKeyringTokenStore creates a keyring-backed store. An empty service
// defaults to "mcppool".
func NewKeyringTokenStore(service string) *KeyringTokenStore {
	if service == "" {
		service = keyringService
	}
	return &KeyringTokenStore{service: service}
}

// FindToken implements TokenStore
func (s *KeyringTokenStore) FindToken(principal, server string) (*Tokens, error) {
	data, err := keyring.Get(s.service, StorageKey(principal, server))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("keyring lookup failed: %w", err)
	}
	tokens := &Tokens{}
	if err := json.Unmarshal([]byte(data), tokens); err != nil {
		return nil, fmt.Errorf("failed to decode stored token: %w", err)
	}
	return tokens, nil
}

// CreateToken implements TokenStore
func (s *KeyringTokenStore) CreateToken(principal, server string, tokens *Tokens) error {
	if _, err := s.FindToken(principal, server); err == nil {
		return fmt.Errorf("token already exists for %s/%s", principal, server)
	}
	return s.put(principal, server, tokens)
}

// UpdateToken implements TokenStore
func (s *KeyringTokenStore) UpdateToken(principal, server string, tokens *Tokens) error {
	return s.put(principal, server, tokens)
}

func (s *KeyringTokenStore) put(principal, server string, tokens *Tokens) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := keyring.Set(s.service, StorageKey(principal, server), string(data)); err != nil {
		return fmt.Errorf("keyring store failed: %w", err)
	}
	return nil
}
