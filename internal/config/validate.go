package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks a single server descriptor. It reports configuration
// problems that would otherwise only surface at connect time.
func (s *ServerConfig) Validate() error {
	switch s.Type {
	case "", TransportStdio, TransportSSE, TransportWebsocket, TransportStreamableHTTP:
	default:
		return fmt.Errorf("unknown transport type %q", s.Type)
	}

	if s.Type == TransportStdio || (s.Type == "" && s.Command != "") {
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
		return nil
	}

	if s.Command == "" && s.URL == "" {
		return fmt.Errorf("either command or url must be set")
	}

	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		switch s.Type {
		case TransportWebsocket:
			if scheme != "ws" && scheme != "wss" {
				return fmt.Errorf("websocket transport requires a ws:// or wss:// url, got %q", s.URL)
			}
		case TransportSSE, TransportStreamableHTTP:
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("%s transport requires an http(s) url, got %q", s.Type, s.URL)
			}
		}
	}

	return nil
}
