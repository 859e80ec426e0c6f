// Package oauth coordinates OAuth authorization for upstream MCP servers:
// token persistence, flow deduplication and token refresh.
package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNoToken indicates no stored token exists for a principal/server pair.
var ErrNoToken = errors.New("no token found")

// Tokens holds the credentials obtained from an authorization flow.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its expiry, with a small
// skew allowance so tokens are refreshed before they actually lapse.
func (t *Tokens) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt.Add(-30 * time.Second))
}

// TokenStore persists tokens per principal and server.
type TokenStore interface {
	// FindToken returns the stored token or ErrNoToken.
	FindToken(principal, server string) (*Tokens, error)
	// CreateToken stores a token for a pair that has none yet.
	CreateToken(principal, server string, tokens *Tokens) error
	// UpdateToken replaces the stored token.
	UpdateToken(principal, server string, tokens *Tokens) error
}

// StorageKey derives the stable store key for a principal/server pair. The
// server name is kept readable and the pair is disambiguated with a short
// hash.
func StorageKey(principal, server string) string {
	sum := sha256.Sum256([]byte(principal + "\x00" + server))
	return fmt.Sprintf("%s_%s", server, hex.EncodeToString(sum[:])[:16])
}

// SaveTokens upserts tokens into the store.
func SaveTokens(store TokenStore, principal, server string, tokens *Tokens) error {
	_, err := store.FindToken(principal, server)
	switch {
	case errors.Is(err, ErrNoToken):
		return store.CreateToken(principal, server, tokens)
	case err != nil:
		return err
	default:
		return store.UpdateToken(principal, server, tokens)
	}
}
