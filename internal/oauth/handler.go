package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcppool-go/internal/config"
)

// FlowHandler resolves tokens without user interaction where possible:
// client credentials for the initial grant and refresh tokens afterwards.
type FlowHandler interface {
	// InitiateFlow obtains tokens non-interactively, or fails when user
	// interaction is required.
	InitiateFlow(ctx context.Context, principal string, srv *config.ServerConfig) (*Tokens, error)

	// RefreshTokens exchanges a refresh token for a fresh access token.
	RefreshTokens(ctx context.Context, principal string, srv *config.ServerConfig, current *Tokens) (*Tokens, error)
}

// ErrInteractionRequired indicates the server requires a user-driven
// authorization flow.
var ErrInteractionRequired = fmt.Errorf("authorization requires user interaction")

// serverMetadata is the subset of RFC 8414 authorization server metadata we
// consume.
type serverMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// tokenResponse is a standard OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// HTTPFlowHandler is the default FlowHandler. Endpoints come from the
// descriptor when set and are otherwise discovered from the issuer's
// well-known metadata.
type HTTPFlowHandler struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPFlowHandler creates a handler with the given HTTP client, or a
// default one with a 30 second timeout when nil.
func NewHTTPFlowHandler(httpClient *http.Client, logger *zap.Logger) *HTTPFlowHandler {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFlowHandler{httpClient: httpClient, logger: logger}
}

// InitiateFlow implements FlowHandler. Servers with a pre-registered
// confidential client get a client credentials grant; everything else needs
// an interactive flow.
func (h *HTTPFlowHandler) InitiateFlow(ctx context.Context, _ string, srv *config.ServerConfig) (*Tokens, error) {
	oc := srv.OAuth
	if oc == nil || oc.ClientID == "" || oc.ClientSecret == "" {
		return nil, ErrInteractionRequired
	}

	tokenEndpoint, err := h.tokenEndpoint(ctx, srv)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {oc.ClientID},
	}
	if len(oc.Scopes) > 0 {
		form.Set("scope", strings.Join(oc.Scopes, " "))
	}
	return h.tokenRequest(ctx, tokenEndpoint, form, oc)
}

// RefreshTokens implements FlowHandler
func (h *HTTPFlowHandler) RefreshTokens(ctx context.Context, _ string, srv *config.ServerConfig, current *Tokens) (*Tokens, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available for server %s", srv.Name)
	}

	tokenEndpoint, err := h.tokenEndpoint(ctx, srv)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
	}
	if srv.OAuth != nil && srv.OAuth.ClientID != "" {
		form.Set("client_id", srv.OAuth.ClientID)
	}

	tokens, err := h.tokenRequest(ctx, tokenEndpoint, form, srv.OAuth)
	if err != nil {
		return nil, err
	}
	// Servers may omit the refresh token from the refresh response; the old
	// one stays valid then.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = current.RefreshToken
	}
	return tokens, nil
}

// BuildAuthorizationURL constructs the authorization URL for an interactive
// flow, with state carrying the flow id.
func (h *HTTPFlowHandler) BuildAuthorizationURL(ctx context.Context, srv *config.ServerConfig, state string) (string, error) {
	oc := srv.OAuth
	endpoint := ""
	if oc != nil {
		endpoint = oc.AuthorizationEndpoint
	}
	if endpoint == "" {
		meta, err := h.discover(ctx, srv)
		if err != nil {
			return "", err
		}
		endpoint = meta.AuthorizationEndpoint
	}
	if endpoint == "" {
		return "", fmt.Errorf("no authorization endpoint for server %s", srv.Name)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("state", state)
	if oc != nil {
		if oc.ClientID != "" {
			q.Set("client_id", oc.ClientID)
		}
		if oc.RedirectURI != "" {
			q.Set("redirect_uri", oc.RedirectURI)
		}
		if len(oc.Scopes) > 0 {
			q.Set("scope", strings.Join(oc.Scopes, " "))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *HTTPFlowHandler) tokenEndpoint(ctx context.Context, srv *config.ServerConfig) (string, error) {
	if srv.OAuth != nil && srv.OAuth.TokenEndpoint != "" {
		return srv.OAuth.TokenEndpoint, nil
	}
	meta, err := h.discover(ctx, srv)
	if err != nil {
		return "", err
	}
	if meta.TokenEndpoint == "" {
		return "", fmt.Errorf("no token endpoint for server %s", srv.Name)
	}
	return meta.TokenEndpoint, nil
}

// discover fetches RFC 8414 metadata from the issuer, defaulting the issuer
// to the server URL origin.
func (h *HTTPFlowHandler) discover(ctx context.Context, srv *config.ServerConfig) (*serverMetadata, error) {
	issuer := ""
	if srv.OAuth != nil {
		issuer = srv.OAuth.Issuer
	}
	if issuer == "" {
		u, err := url.Parse(srv.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("cannot derive issuer for server %s", srv.Name)
		}
		scheme := u.Scheme
		if scheme == "ws" {
			scheme = "http"
		} else if scheme == "wss" {
			scheme = "https"
		}
		issuer = scheme + "://" + u.Host
	}

	metaURL := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata discovery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata discovery failed with status %d", resp.StatusCode)
	}

	meta := &serverMetadata{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(meta); err != nil {
		return nil, fmt.Errorf("failed to decode server metadata: %w", err)
	}
	h.logger.Debug("Discovered authorization server metadata",
		zap.String("issuer", issuer),
		zap.String("token_endpoint", meta.TokenEndpoint))
	return meta, nil
}

func (h *HTTPFlowHandler) tokenRequest(ctx context.Context, endpoint string, form url.Values, oc *config.OAuthConfig) (*Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if oc != nil && oc.ClientSecret != "" {
		req.SetBasicAuth(oc.ClientID, oc.ClientSecret)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		if tr.Error != "" {
			return nil, fmt.Errorf("token request rejected: %s (%s)", tr.Error, tr.ErrorDesc)
		}
		return nil, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response contained no access token")
	}

	tokens := &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tokens, nil
}
