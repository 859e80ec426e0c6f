package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// fakeTransport is an in-memory MCP server for connection tests. Handlers
// are keyed by JSON-RPC method and return the result payload or an error.
type fakeTransport struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	sessionID string
	notify    func(mcp.JSONRPCNotification)
	handlers  map[string]func(args json.RawMessage) (interface{}, error)
	calls     []string
	startErr  error
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{
		handlers: make(map[string]func(args json.RawMessage) (interface{}, error)),
	}
	f.handlers["initialize"] = func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "fake-server", "version": "1.0.0"},
		}, nil
	}
	f.handlers["ping"] = func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	}
	return f
}

func (f *fakeTransport) handle(method string, fn func(args json.RawMessage) (interface{}, error)) {
	f.mu.Lock()
	f.handlers[method] = fn
	f.mu.Unlock()
}

func (f *fakeTransport) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SendRequest(_ context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, request.Method)
	handler := f.handlers[request.Method]
	f.mu.Unlock()

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
	return &transport.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      request.ID,
		Result:  raw,
	}, nil
}

func (f *fakeTransport) SendNotification(_ context.Context, _ mcp.JSONRPCNotification) error {
	return nil
}

func (f *fakeTransport) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	f.mu.Lock()
	f.notify = handler
	f.mu.Unlock()
}

func (f *fakeTransport) GetSessionId() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// pushNotification delivers a server-initiated notification.
func (f *fakeTransport) pushNotification(method string) {
	f.mu.Lock()
	notify := f.notify
	f.mu.Unlock()
	if notify != nil {
		notify(mcp.JSONRPCNotification{
			JSONRPC: "2.0",
			Notification: mcp.Notification{
				Method: method,
			},
		})
	}
}
