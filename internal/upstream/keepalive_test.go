package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sendGuarded(t *testing.T, g *guardTransport, method string) (*transport.JSONRPCResponse, error) {
	t.Helper()
	return g.SendRequest(context.Background(), transport.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      mcp.NewRequestId(int64(1)),
		Method:  method,
	})
}

func TestGuardPassesNonEmptyResults(t *testing.T) {
	fake := newFakeTransport()
	fake.handle("tools/call", func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"content": []string{"ok"}}, nil
	})
	g := newGuardTransport(fake, zap.NewNop())

	for i := 0; i < 3; i++ {
		resp, err := sendGuarded(t, g, "tools/call")
		require.NoError(t, err)
		require.NotNil(t, resp)
	}
}

func TestGuardToleratesIsolatedEmptyResult(t *testing.T) {
	fake := newFakeTransport()
	fake.handle("tools/call", func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	})
	g := newGuardTransport(fake, zap.NewNop())

	resp, err := sendGuarded(t, g, "tools/call")
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestGuardFlagsRepeatedEmptyResults(t *testing.T) {
	fake := newFakeTransport()
	fake.handle("tools/call", func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	})
	g := newGuardTransport(fake, zap.NewNop())

	_, err := sendGuarded(t, g, "tools/call")
	require.NoError(t, err)

	_, err = sendGuarded(t, g, "tools/call")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestGuardFlagsRepeatedEmptyPings(t *testing.T) {
	// Pings answer empty like any other suspect reply, so a run of idle
	// pings cannot keep a dead gateway looking alive.
	fake := newFakeTransport()
	g := newGuardTransport(fake, zap.NewNop())

	_, err := sendGuarded(t, g, "ping")
	require.NoError(t, err)

	_, err = sendGuarded(t, g, "ping")
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestGuardEmptyAfterPingFlagsDeadSession(t *testing.T) {
	// An empty reply to a real request right after ping traffic means the
	// gateway lost its backing session.
	fake := newFakeTransport()
	fake.handle("tools/call", func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	})
	g := newGuardTransport(fake, zap.NewNop())

	_, err := sendGuarded(t, g, "ping")
	require.NoError(t, err)

	_, err = sendGuarded(t, g, "tools/call")
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestGuardPingOutsideWindowPasses(t *testing.T) {
	fake := newFakeTransport()
	g := newGuardTransport(fake, zap.NewNop())

	_, err := sendGuarded(t, g, "ping")
	require.NoError(t, err)

	g.mu.Lock()
	g.lastEmptyTime = time.Now().Add(-emptyResultWindow - time.Minute)
	g.mu.Unlock()

	_, err = sendGuarded(t, g, "ping")
	require.NoError(t, err)
}

func TestGuardWindowExpires(t *testing.T) {
	fake := newFakeTransport()
	fake.handle("tools/call", func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	})
	g := newGuardTransport(fake, zap.NewNop())

	_, err := sendGuarded(t, g, "tools/call")
	require.NoError(t, err)

	g.mu.Lock()
	g.lastEmptyTime = time.Now().Add(-emptyResultWindow - time.Minute)
	g.mu.Unlock()

	_, err = sendGuarded(t, g, "tools/call")
	require.NoError(t, err)
}

func TestGuardPassesErrorsThrough(t *testing.T) {
	fake := newFakeTransport()
	wantErr := errors.New("connection reset")
	fake.handle("tools/call", func(json.RawMessage) (interface{}, error) {
		return nil, wantErr
	})
	g := newGuardTransport(fake, zap.NewNop())

	_, err := sendGuarded(t, g, "tools/call")
	assert.ErrorIs(t, err, wantErr)
}

func TestGuardDelegates(t *testing.T) {
	fake := newFakeTransport()
	fake.sessionID = "S1"
	g := newGuardTransport(fake, zap.NewNop())

	require.NoError(t, g.Start(context.Background()))
	assert.True(t, fake.started)
	assert.Equal(t, "S1", g.GetSessionId())

	var got string
	g.SetNotificationHandler(func(n mcp.JSONRPCNotification) { got = n.Method })
	fake.pushNotification("notifications/resources/list_changed")
	assert.Equal(t, "notifications/resources/list_changed", got)

	require.NoError(t, g.Close())
	assert.True(t, fake.closed)
}

func TestIsEmptyResult(t *testing.T) {
	assert.True(t, isEmptyResult(nil))
	assert.True(t, isEmptyResult([]byte("")))
	assert.True(t, isEmptyResult([]byte("null")))
	assert.True(t, isEmptyResult([]byte("{}")))
	assert.True(t, isEmptyResult([]byte(`""`)))
	assert.False(t, isEmptyResult([]byte(`{"content":[]}`)))
	assert.False(t, isEmptyResult([]byte("0")))
}
