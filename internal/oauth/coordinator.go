package oauth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mcppool-go/internal/config"
)

// AuthURLCallback is invoked when an interactive flow needs the user to
// visit an authorization URL. Host applications surface the URL however
// they see fit.
type AuthURLCallback func(principal, server, authURL string)

// Coordinator de-duplicates authorization flows per principal/server pair,
// persists the resulting tokens and serializes token refresh.
type Coordinator struct {
	store   TokenStore
	flows   FlowStore
	handler FlowHandler
	logger  *zap.Logger

	mu          sync.RWMutex
	authURLHook AuthURLCallback

	// group collapses concurrent token lookups for the same pair so only
	// one refresh hits the token endpoint.
	group singleflight.Group
}

// NewCoordinator wires a coordinator from its parts. A nil flow store gets
// an in-memory one and a nil handler the default HTTP handler.
func NewCoordinator(store TokenStore, flows FlowStore, handler FlowHandler, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flows == nil {
		flows = NewMemoryFlowStore(logger.Named("flows"))
	}
	if handler == nil {
		handler = NewHTTPFlowHandler(nil, logger.Named("handler"))
	}
	return &Coordinator{
		store:   store,
		flows:   flows,
		handler: handler,
		logger:  logger,
	}
}

// SetAuthURLCallback registers the hook for interactive authorization URLs.
func (c *Coordinator) SetAuthURLCallback(fn AuthURLCallback) {
	c.mu.Lock()
	c.authURLHook = fn
	c.mu.Unlock()
}

// FlowStore exposes the underlying flow store, mainly for status surfaces.
func (c *Coordinator) FlowStore() FlowStore { return c.flows }

// Tokens returns usable tokens for the pair: the stored ones when still
// valid, refreshed ones when expired with a refresh token, and ErrNoToken
// when the pair has never authorized.
func (c *Coordinator) Tokens(ctx context.Context, principal string, srv *config.ServerConfig) (*Tokens, error) {
	v, err, _ := c.group.Do("tokens\x00"+StorageKey(principal, srv.Name), func() (interface{}, error) {
		stored, err := c.store.FindToken(principal, srv.Name)
		if err != nil {
			return nil, err
		}
		if !stored.Expired() {
			return stored, nil
		}
		if stored.RefreshToken == "" {
			return nil, ErrNoToken
		}
		return c.Refresh(ctx, principal, srv, stored)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tokens), nil
}

// Authorize obtains tokens for the pair, running at most one flow per flow
// id. Pairs with a pre-registered confidential client resolve through the
// flow handler; everything else goes through an interactive flow that
// blocks until CompleteAuthorization or FailAuthorization resolves it.
func (c *Coordinator) Authorize(ctx context.Context, principal string, srv *config.ServerConfig) (*Tokens, error) {
	id := FlowID(principal, srv.Name)
	info := FlowInfo{Principal: principal, Server: srv.Name}

	var tokens *Tokens
	var err error
	if srv.OAuth != nil && srv.OAuth.ClientID != "" && srv.OAuth.ClientSecret != "" {
		// Persist inside the flow so attached waiters never race a second
		// write; they observe tokens that are already stored.
		tokens, err = c.flows.CreateFlowWithHandler(ctx, id, info, func(fctx context.Context) (*Tokens, error) {
			return c.resolveAndPersist(fctx, principal, srv)
		})
	} else {
		// Interactive flows persist in CompleteAuthorization.
		tokens, err = c.authorizeInteractive(ctx, id, info, principal, srv)
	}
	if err != nil {
		return nil, fmt.Errorf("authorization failed for server %s: %w", srv.Name, err)
	}
	return tokens, nil
}

func (c *Coordinator) resolveAndPersist(ctx context.Context, principal string, srv *config.ServerConfig) (*Tokens, error) {
	tokens, err := c.handler.InitiateFlow(ctx, principal, srv)
	if err != nil {
		return nil, err
	}
	if serr := SaveTokens(c.store, principal, srv.Name, tokens); serr != nil {
		c.logger.Error("Failed to persist tokens",
			zap.String("server", srv.Name),
			zap.Error(serr))
	}
	return tokens, nil
}

func (c *Coordinator) authorizeInteractive(ctx context.Context, id string, info FlowInfo, principal string, srv *config.ServerConfig) (*Tokens, error) {
	if builder, ok := c.handler.(interface {
		BuildAuthorizationURL(ctx context.Context, srv *config.ServerConfig, state string) (string, error)
	}); ok {
		authURL, err := builder.BuildAuthorizationURL(ctx, srv, id)
		if err == nil {
			info.AuthURL = authURL
			c.mu.RLock()
			hook := c.authURLHook
			c.mu.RUnlock()
			if hook != nil {
				hook(principal, srv.Name, authURL)
			} else {
				c.logger.Warn("Authorization required, visit URL to continue",
					zap.String("server", srv.Name),
					zap.String("url", authURL))
			}
		} else {
			c.logger.Debug("Could not build authorization URL",
				zap.String("server", srv.Name),
				zap.Error(err))
		}
	}
	return c.flows.CreateFlow(ctx, id, info)
}

// CompleteAuthorization resolves a pending interactive flow with tokens,
// typically from the host's OAuth redirect handler. Tokens are persisted
// before waiters are released.
func (c *Coordinator) CompleteAuthorization(principal, server string, tokens *Tokens) error {
	if err := SaveTokens(c.store, principal, server, tokens); err != nil {
		return fmt.Errorf("failed to persist tokens for server %s: %w", server, err)
	}
	return c.flows.Complete(FlowID(principal, server), tokens)
}

// FailAuthorization resolves a pending interactive flow with an error.
func (c *Coordinator) FailAuthorization(principal, server string, cause error) error {
	return c.flows.Fail(FlowID(principal, server), cause)
}

// IsFlowActive reports whether an authorization flow is running for the
// pair.
func (c *Coordinator) IsFlowActive(principal, server string) bool {
	state, ok := c.flows.GetFlowState(FlowID(principal, server))
	return ok && (state == FlowPending || state == FlowInProgress)
}

// Refresh exchanges the refresh token for fresh tokens. Concurrent refreshes
// for the same pair share one exchange.
func (c *Coordinator) Refresh(ctx context.Context, principal string, srv *config.ServerConfig, current *Tokens) (*Tokens, error) {
	id := FlowID(principal, srv.Name) + ":refresh"
	tokens, err := c.flows.CreateFlowWithHandler(ctx, id, FlowInfo{Principal: principal, Server: srv.Name}, func(fctx context.Context) (*Tokens, error) {
		refreshed, rerr := c.handler.RefreshTokens(fctx, principal, srv, current)
		if rerr != nil {
			return nil, rerr
		}
		if serr := SaveTokens(c.store, principal, srv.Name, refreshed); serr != nil {
			c.logger.Error("Failed to persist refreshed tokens",
				zap.String("server", srv.Name),
				zap.Error(serr))
		}
		return refreshed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token refresh failed for server %s: %w", srv.Name, err)
	}
	return tokens, nil
}

// HasStoredToken reports whether any token is stored for the pair,
// regardless of expiry.
func (c *Coordinator) HasStoredToken(principal, server string) bool {
	_, err := c.store.FindToken(principal, server)
	return err == nil
}

// IsAuthError reports whether an upstream failure looks like an
// authorization problem: a 401 or 403 anywhere in the message, including
// the "Non-200 status code (401)" shape SSE transports produce.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"401", "403", "Unauthorized", "Forbidden", "invalid_token", "authentication", "authorization failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
