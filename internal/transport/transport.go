// Package transport builds MCP client transports for upstream servers:
// stdio for local processes, SSE, websocket and streamable HTTP for remote
// ones.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"mcppool-go/internal/config"
)

// Options carries per-connection inputs that are not part of the static
// server descriptor.
type Options struct {
	// BearerToken is sent as an Authorization header on URL transports.
	BearerToken string

	// SessionID, when set, is offered to streamable HTTP servers via the
	// Mcp-Session-Id request header so they may resume the session.
	SessionID string
}

// Result is a constructed client plus the underlying transport handle. The
// transport is kept so callers can read the server-assigned session id.
type Result struct {
	Client    *client.Client
	Transport transport.Interface
	Kind      string
}

// DetermineTransportType picks the transport for a descriptor: an explicit
// type wins, a command means stdio, a ws(s) URL means websocket, and any
// other URL defaults to SSE.
func DetermineTransportType(cfg *config.ServerConfig) string {
	if cfg.Type != "" {
		return cfg.Type
	}
	if cfg.Command != "" {
		return config.TransportStdio
	}
	if u, err := url.Parse(cfg.URL); err == nil {
		scheme := strings.ToLower(u.Scheme)
		if scheme == "ws" || scheme == "wss" {
			return config.TransportWebsocket
		}
	}
	return config.TransportSSE
}

// Create builds a client for the descriptor using the selected transport.
func Create(cfg *config.ServerConfig, opts Options) (*Result, error) {
	kind := DetermineTransportType(cfg)
	switch kind {
	case config.TransportStdio:
		return createStdio(cfg)
	case config.TransportSSE:
		return createSSE(cfg, opts)
	case config.TransportWebsocket:
		return createWebsocket(cfg, opts)
	case config.TransportStreamableHTTP:
		return createStreamableHTTP(cfg, opts)
	default:
		return nil, fmt.Errorf("unknown transport type %q for server %s", kind, cfg.Name)
	}
}

func createSSE(cfg *config.ServerConfig, opts Options) (*Result, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	httpClient := &http.Client{
		Timeout: 180 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  false,
			MaxIdleConnsPerHost: 2,
		},
	}

	sseTransport, err := transport.NewSSE(cfg.URL,
		transport.WithHeaders(buildHeaders(cfg, opts)),
		transport.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE transport: %w", err)
	}

	return &Result{
		Client:    client.NewClient(sseTransport),
		Transport: sseTransport,
		Kind:      config.TransportSSE,
	}, nil
}

func createStreamableHTTP(cfg *config.ServerConfig, opts Options) (*Result, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for streamable HTTP transport")
	}

	headers := buildHeaders(cfg, opts)
	if opts.SessionID != "" {
		headers["Mcp-Session-Id"] = opts.SessionID
	}

	httpTransport, err := transport.NewStreamableHTTP(cfg.URL,
		transport.WithHTTPHeaders(headers),
		transport.WithHTTPTimeout(180*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}

	return &Result{
		Client:    client.NewClient(httpTransport),
		Transport: httpTransport,
		Kind:      config.TransportStreamableHTTP,
	}, nil
}

func createWebsocket(cfg *config.ServerConfig, opts Options) (*Result, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for websocket transport")
	}

	wsTransport := NewWebsocket(cfg.URL, buildHeaders(cfg, opts))
	return &Result{
		Client:    client.NewClient(wsTransport),
		Transport: wsTransport,
		Kind:      config.TransportWebsocket,
	}, nil
}

func buildHeaders(cfg *config.ServerConfig, opts Options) map[string]string {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if opts.BearerToken != "" {
		headers["Authorization"] = "Bearer " + opts.BearerToken
	}
	return headers
}
