package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// emptyResultWindow is how recently a previous empty-result reply must have
// arrived for a new one to be treated as a dead connection.
const emptyResultWindow = 5 * time.Minute

// ErrEmptyResult flags a server that keeps answering with empty results,
// which some gateways do once the backing session is gone.
var ErrEmptyResult = errors.New("Empty result")

// guardTransport wraps a transport and watches replies for the
// empty-result failure mode.
type guardTransport struct {
	inner  transport.Interface
	logger *zap.Logger

	mu            sync.Mutex
	lastEmptyTime time.Time
}

func newGuardTransport(inner transport.Interface, logger *zap.Logger) *guardTransport {
	return &guardTransport{inner: inner, logger: logger}
}

// Start implements transport.Interface
func (g *guardTransport) Start(ctx context.Context) error {
	return g.inner.Start(ctx)
}

// Close implements transport.Interface
func (g *guardTransport) Close() error {
	return g.inner.Close()
}

// SendRequest implements transport.Interface
func (g *guardTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	response, err := g.inner.SendRequest(ctx, request)
	if err != nil || response == nil || response.Error != nil {
		return response, err
	}

	if !isEmptyResult(response.Result) {
		return response, nil
	}

	g.mu.Lock()
	last := g.lastEmptyTime
	g.lastEmptyTime = time.Now()
	g.mu.Unlock()

	// Pings answer empty too and get no exemption: a connection that has
	// produced nothing but empty replies for the window cannot prove its
	// backing session still exists, so idle ping traffic must not keep it
	// looking alive.
	if !last.IsZero() && time.Since(last) < emptyResultWindow {
		g.logger.Warn("Empty result from server shortly after last reply, treating connection as dead",
			zap.String("method", request.Method))
		return nil, ErrEmptyResult
	}

	g.logger.Debug("Empty result from server", zap.String("method", request.Method))
	return response, nil
}

// SendNotification implements transport.Interface
func (g *guardTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return g.inner.SendNotification(ctx, notification)
}

// SetNotificationHandler implements transport.Interface
func (g *guardTransport) SetNotificationHandler(handler func(notification mcp.JSONRPCNotification)) {
	g.inner.SetNotificationHandler(handler)
}

// GetSessionId implements transport.Interface
func (g *guardTransport) GetSessionId() string {
	return g.inner.GetSessionId()
}

func isEmptyResult(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	switch string(raw) {
	case "null", "{}", `""`:
		return true
	}
	return false
}
