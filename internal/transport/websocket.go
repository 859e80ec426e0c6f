package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Websocket is a JSON-RPC transport over a websocket connection. It
// implements the same transport interface the stdio and HTTP transports do,
// correlating responses to requests by JSON-RPC id.
type Websocket struct {
	url     string
	headers map[string]string

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool

	pending map[string]chan *transport.JSONRPCResponse

	notifyMu sync.RWMutex
	notify   func(notification mcp.JSONRPCNotification)

	done chan struct{}
}

// NewWebsocket returns an unstarted websocket transport for the given URL.
func NewWebsocket(url string, headers map[string]string) *Websocket {
	return &Websocket{
		url:     url,
		headers: headers,
		pending: make(map[string]chan *transport.JSONRPCResponse),
		done:    make(chan struct{}),
	}
}

// Start dials the server and begins reading frames. It is an error to start
// a transport twice.
func (w *Websocket) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("websocket transport already started")
	}
	if w.closed {
		return fmt.Errorf("websocket transport is closed")
	}

	header := http.Header{}
	for k, v := range w.headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	w.conn = conn
	w.started = true
	go w.readLoop(conn)
	return nil
}

// Close shuts the connection down and fails all in-flight requests.
func (w *Websocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	for id, ch := range w.pending {
		close(ch)
		delete(w.pending, id)
	}
	close(w.done)
	w.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// SendRequest writes a request frame and blocks until the matching response
// arrives, the context is done, or the connection closes.
func (w *Websocket) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	key, err := requestKey(request.ID)
	if err != nil {
		return nil, err
	}

	ch := make(chan *transport.JSONRPCResponse, 1)

	w.mu.Lock()
	if w.closed || w.conn == nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("websocket transport is not connected")
	}
	w.pending[key] = ch
	err = w.conn.WriteJSON(request)
	w.mu.Unlock()

	if err != nil {
		w.dropPending(key)
		return nil, fmt.Errorf("websocket write failed: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("websocket connection closed while awaiting response")
		}
		return resp, nil
	case <-ctx.Done():
		w.dropPending(key)
		return nil, ctx.Err()
	case <-w.done:
		return nil, fmt.Errorf("websocket connection closed while awaiting response")
	}
}

// SendNotification writes a notification frame without waiting for a reply.
func (w *Websocket) SendNotification(_ context.Context, notification mcp.JSONRPCNotification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.conn == nil {
		return fmt.Errorf("websocket transport is not connected")
	}
	if err := w.conn.WriteJSON(notification); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// SetNotificationHandler registers the handler invoked for server-initiated
// notifications.
func (w *Websocket) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	w.notifyMu.Lock()
	w.notify = handler
	w.notifyMu.Unlock()
}

// GetSessionId implements the transport interface. Websocket servers scope
// the session to the connection itself, so there is no separate id.
func (w *Websocket) GetSessionId() string {
	return ""
}

func (w *Websocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = w.Close()
			return
		}
		w.dispatch(data)
	}
}

// frameProbe peeks at the discriminating fields of an incoming frame.
type frameProbe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func (w *Websocket) dispatch(data []byte) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	// A frame with a method and no id is a notification.
	if probe.Method != "" && (len(probe.ID) == 0 || string(probe.ID) == "null") {
		var notification mcp.JSONRPCNotification
		if err := json.Unmarshal(data, &notification); err != nil {
			return
		}
		w.notifyMu.RLock()
		handler := w.notify
		w.notifyMu.RUnlock()
		if handler != nil {
			handler(notification)
		}
		return
	}

	var response transport.JSONRPCResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return
	}
	key, err := requestKey(response.ID)
	if err != nil {
		return
	}

	w.mu.Lock()
	ch, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if ok {
		ch <- &response
	}
}

func (w *Websocket) dropPending(key string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
}

func requestKey(id mcp.RequestId) (string, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("unencodable request id: %w", err)
	}
	return string(raw), nil
}
