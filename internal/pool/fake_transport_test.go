package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"mcppool-go/internal/config"
	pooltransport "mcppool-go/internal/transport"
	"mcppool-go/internal/upstream"
)

// fakeServer is an in-memory MCP server shared by the transports a factory
// hands out. Handlers are keyed by JSON-RPC method.
type fakeServer struct {
	mu       sync.Mutex
	handlers map[string]func(args json.RawMessage) (interface{}, error)
	calls    []string
	closed   int
}

func newFakeServer() *fakeServer {
	s := &fakeServer{
		handlers: make(map[string]func(args json.RawMessage) (interface{}, error)),
	}
	s.handlers["initialize"] = func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "fake-server", "version": "1.0.0"},
		}, nil
	}
	// Non-empty so repeated liveness pings do not trip the empty-result
	// guard; guard behavior has its own tests in the upstream package.
	s.handlers["ping"] = func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"alive": true}, nil
	}
	s.handlers["tools/list"] = func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"tools": []map[string]interface{}{
				{
					"name":        "add",
					"description": "Add two numbers",
					"inputSchema": map[string]interface{}{"type": "object"},
				},
			},
		}, nil
	}
	s.handlers["tools/call"] = func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "3"}},
		}, nil
	}
	return s
}

func (s *fakeServer) handle(method string, fn func(args json.RawMessage) (interface{}, error)) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

func (s *fakeServer) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.calls {
		if m == method {
			n++
		}
	}
	return n
}

func (s *fakeServer) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// factory returns a TransportFactory that serves every connection from this
// fake server and counts invocations.
func (s *fakeServer) factory(calls *int64) upstream.TransportFactory {
	return func(_ *config.ServerConfig, _ pooltransport.Options) (*pooltransport.Result, error) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		return &pooltransport.Result{Transport: &fakeConn{server: s}, Kind: config.TransportStdio}, nil
	}
}

// routeFactory serves each server name from its own fake.
func routeFactory(servers map[string]*fakeServer) upstream.TransportFactory {
	return func(cfg *config.ServerConfig, _ pooltransport.Options) (*pooltransport.Result, error) {
		s, ok := servers[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no fake for server %s", cfg.Name)
		}
		return &pooltransport.Result{Transport: &fakeConn{server: s}, Kind: config.TransportStdio}, nil
	}
}

// fakeConn is one transport handed out by a factory, backed by a fakeServer.
type fakeConn struct {
	server *fakeServer
}

func (c *fakeConn) Start(_ context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.server.mu.Lock()
	c.server.closed++
	c.server.mu.Unlock()
	return nil
}

func (c *fakeConn) SendRequest(_ context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	c.server.mu.Lock()
	c.server.calls = append(c.server.calls, request.Method)
	handler := c.server.handlers[request.Method]
	c.server.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("method not supported: %s", request.Method)
	}
	var args json.RawMessage
	if request.Params != nil {
		args, _ = json.Marshal(request.Params)
	}
	result, err := handler(args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &transport.JSONRPCResponse{JSONRPC: "2.0", ID: request.ID, Result: raw}, nil
}

func (c *fakeConn) SendNotification(_ context.Context, _ mcp.JSONRPCNotification) error {
	return nil
}

func (c *fakeConn) SetNotificationHandler(_ func(notification mcp.JSONRPCNotification)) {}

func (c *fakeConn) GetSessionId() string { return "" }
