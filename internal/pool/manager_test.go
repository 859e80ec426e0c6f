package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcppool-go/internal/config"
	"mcppool-go/internal/oauth"
	pooltransport "mcppool-go/internal/transport"
	"mcppool-go/internal/upstream"
)

func calcConfig() *config.Config {
	return &config.Config{
		Servers: map[string]*config.ServerConfig{
			"calc": {Command: "./calc"},
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	return m
}

func (m *Manager) threadConnection(threadID, serverName string) *upstream.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threadConnections[threadID][serverName]
}

func TestStartServersAndToolMapping(t *testing.T) {
	fake := newFakeServer()
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(nil)))

	ctx := context.Background()
	m.StartServers(ctx)

	conn, ok := m.ProcessConnection("calc")
	require.True(t, ok)
	assert.Equal(t, upstream.StateConnected, conn.State())

	out := make(map[string]upstream.ToolMetadata)
	m.MapAvailableTools(ctx, out, false)
	require.Contains(t, out, "add__calc")
	assert.Equal(t, "calc", out["add__calc"].ServerName)
	assert.Equal(t, "add", out["add__calc"].Name)
}

func TestStartServersToleratesFailures(t *testing.T) {
	healthy := newFakeServer()
	broken := newFakeServer()
	broken.handle("initialize", func(json.RawMessage) (interface{}, error) {
		return nil, errors.New("connection refused")
	})

	cfg := &config.Config{
		Servers: map[string]*config.ServerConfig{
			"calc":  {Command: "./calc"},
			"flaky": {Command: "./flaky"},
		},
	}
	m := newTestManager(t, cfg, WithTransportFactory(routeFactory(map[string]*fakeServer{
		"calc":  healthy,
		"flaky": broken,
	})))
	m.retryDelay = func(int) time.Duration { return time.Millisecond }

	m.StartServers(context.Background())

	calc, ok := m.ProcessConnection("calc")
	require.True(t, ok)
	assert.Equal(t, upstream.StateConnected, calc.State())

	// The failed server stays registered for later revival.
	flaky, ok := m.ProcessConnection("flaky")
	require.True(t, ok)
	assert.Equal(t, upstream.StateError, flaky.State())
	// 3 attempts were made.
	assert.Equal(t, 3, broken.callCount("initialize"))
}

func TestDisabledServerSkipped(t *testing.T) {
	cfg := &config.Config{
		Servers: map[string]*config.ServerConfig{
			"calc": {Command: "./calc"},
			"off":  {Command: "./off", Disabled: true},
		},
	}
	m := newTestManager(t, cfg, WithTransportFactory(newFakeServer().factory(nil)))

	assert.Equal(t, []string{"calc"}, m.ServerNames())
	_, ok := m.ServerConfig("off")
	assert.False(t, ok)
}

func TestThreadScopeCreationAndReuse(t *testing.T) {
	fake := newFakeServer()
	var factoryCalls int64
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(&factoryCalls)))

	ctx := context.Background()
	args := map[string]interface{}{"a": 1, "b": 2}

	result, err := m.CallTool(ctx, "u1", "t1", "calc", "add", args, nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	first := m.threadConnection("t1", "calc")
	require.NotNil(t, first)

	_, err = m.CallTool(ctx, "u1", "t1", "calc", "add", args, nil)
	require.NoError(t, err)

	// Same instance on reuse, one transport built in total.
	assert.Same(t, first, m.threadConnection("t1", "calc"))
	assert.Equal(t, int64(1), atomic.LoadInt64(&factoryCalls))

	m.mu.RLock()
	assert.Contains(t, m.userThreads["u1"], "t1")
	assert.WithinDuration(t, time.Now(), m.threadLastActivity["t1"], time.Second)
	assert.WithinDuration(t, time.Now(), m.userLastActivity["u1"], time.Second)
	m.mu.RUnlock()
}

func TestConcurrentThreadAcquisition(t *testing.T) {
	fake := newFakeServer()
	var factoryCalls int64
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(&factoryCalls)))

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&factoryCalls))
}

func TestDispatchFallsBackToProcessScope(t *testing.T) {
	fake := newFakeServer()
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(nil)))

	ctx := context.Background()
	m.StartServers(ctx)

	// User without a thread id rides the shared connection.
	_, err := m.CallTool(ctx, "u1", "", "calc", "add", nil, nil)
	require.NoError(t, err)

	m.mu.RLock()
	assert.Empty(t, m.threadConnections)
	assert.WithinDuration(t, time.Now(), m.userLastActivity["u1"], time.Second)
	m.mu.RUnlock()

	// Anonymous calls ride it too.
	_, err = m.CallTool(ctx, "", "", "calc", "add", nil, nil)
	require.NoError(t, err)
}

func TestCallToolUnknownServer(t *testing.T) {
	m := newTestManager(t, calcConfig(), WithTransportFactory(newFakeServer().factory(nil)))

	_, err := m.CallTool(context.Background(), "", "", "nope", "add", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown server")

	_, err = m.CallTool(context.Background(), "u1", "t1", "nope", "add", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown server")
}

func TestStaleThreadRecycled(t *testing.T) {
	calcFake := newFakeServer()
	echoFake := newFakeServer()
	cfg := &config.Config{
		Servers: map[string]*config.ServerConfig{
			"calc": {Command: "./calc"},
			"echo": {Command: "./echo"},
		},
	}
	m := newTestManager(t, cfg, WithTransportFactory(routeFactory(map[string]*fakeServer{
		"calc": calcFake,
		"echo": echoFake,
	})))

	ctx := context.Background()
	_, err := m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
	require.NoError(t, err)
	_, err = m.CallTool(ctx, "u1", "t1", "echo", "add", nil, nil)
	require.NoError(t, err)

	old := m.threadConnection("t1", "calc")
	require.NotNil(t, old)

	// Age the whole thread past the idle limit.
	m.mu.Lock()
	m.threadLastActivity["t1"] = m.now().Add(-m.cfg.ThreadIdleTimeout.Std() - time.Minute)
	m.mu.Unlock()

	_, err = m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
	require.NoError(t, err)

	// A fresh connection replaced the stale one and the thread's other
	// server went away with the recycle.
	assert.NotSame(t, old, m.threadConnection("t1", "calc"))
	assert.Nil(t, m.threadConnection("t1", "echo"))
	assert.Positive(t, echoFake.closedCount())

	m.mu.RLock()
	assert.WithinDuration(t, time.Now(), m.threadLastActivity["t1"], time.Second)
	m.mu.RUnlock()
}

func TestUnhealthyThreadConnectionReplaced(t *testing.T) {
	fake := newFakeServer()
	var factoryCalls int64
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(&factoryCalls)))

	ctx := context.Background()
	_, err := m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
	require.NoError(t, err)
	old := m.threadConnection("t1", "calc")

	// The server stops answering liveness pings.
	fake.handle("ping", func(json.RawMessage) (interface{}, error) {
		return nil, errors.New("broken pipe")
	})

	_, err = m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
	require.NoError(t, err)

	assert.NotSame(t, old, m.threadConnection("t1", "calc"))
	assert.Equal(t, int64(2), atomic.LoadInt64(&factoryCalls))
}

func TestReapedThreadConnectionNotReused(t *testing.T) {
	fake := newFakeServer()
	var factoryCalls int64
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(&factoryCalls)))

	ctx := context.Background()
	_, err := m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
	require.NoError(t, err)
	old := m.threadConnection("t1", "calc")
	require.NotNil(t, old)

	// The next liveness ping answers healthy, but a reclamation pass tears
	// the thread down while the ping is in flight.
	var torn atomic.Bool
	fake.handle("ping", func(json.RawMessage) (interface{}, error) {
		if torn.CompareAndSwap(false, true) {
			m.disconnectThreadConnections(context.Background(), "t1")
		}
		return map[string]interface{}{"alive": true}, nil
	})

	_, err = m.CallTool(ctx, "u1", "t1", "calc", "add", nil, nil)
	require.NoError(t, err)

	// The torn-down connection was not handed back out; a fresh one took
	// its place in the thread index.
	fresh := m.threadConnection("t1", "calc")
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, int64(2), atomic.LoadInt64(&factoryCalls))
}

func TestUserVarExpansionOnThreadCreate(t *testing.T) {
	fake := newFakeServer()
	var seenEnv map[string]string
	factory := func(cfg *config.ServerConfig, _ pooltransport.Options) (*pooltransport.Result, error) {
		seenEnv = cfg.Env
		return &pooltransport.Result{Transport: &fakeConn{server: fake}, Kind: config.TransportStdio}, nil
	}
	cfg := &config.Config{
		Servers: map[string]*config.ServerConfig{
			"crm": {
				Command:        "./crm",
				Env:            map[string]string{"REGION": "{{region}}", "USER": "{{mcppool_user_id}}"},
				CustomUserVars: map[string]config.UserVarSpec{"region": {Title: "Region"}},
			},
		},
	}
	m := newTestManager(t, cfg, WithTransportFactory(factory))

	_, err := m.CallTool(context.Background(), "u1", "t1", "crm", "add", nil, map[string]string{"region": "eu"})
	require.NoError(t, err)
	require.NotNil(t, seenEnv)
	assert.Equal(t, "eu", seenEnv["REGION"])
	assert.Equal(t, "u1", seenEnv["USER"])
}

func TestAuthSingleFlightAcrossThreads(t *testing.T) {
	handler := &gatedFlowHandler{
		tokens: &oauth.Tokens{AccessToken: "at-1"},
		delay:  500 * time.Millisecond,
	}
	store := &countingStore{TokenStore: oauth.NewMemoryTokenStore()}
	coord := oauth.NewCoordinator(store, nil, handler, zap.NewNop())

	factory := func(_ *config.ServerConfig, opts pooltransport.Options) (*pooltransport.Result, error) {
		fs := newFakeServer()
		if opts.BearerToken == "" {
			fs.handle("initialize", func(json.RawMessage) (interface{}, error) {
				return nil, errors.New("401 Unauthorized")
			})
		}
		return &pooltransport.Result{Transport: &fakeConn{server: fs}, Kind: config.TransportSSE}, nil
	}

	cfg := &config.Config{
		Servers: map[string]*config.ServerConfig{
			"gh": {
				Type:  config.TransportSSE,
				URL:   "https://gh.example.com/sse",
				OAuth: &config.OAuthConfig{ClientID: "cid", ClientSecret: "secret"},
			},
		},
	}
	m := newTestManager(t, cfg, WithTransportFactory(factory), WithCoordinator(coord))

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, threadID := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			_, err := m.CallTool(ctx, "u1", threadID, "gh", "add", nil, nil)
			errs <- err
		}(threadID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// One flow served both triggers and the token was created exactly once.
	assert.Equal(t, int64(1), atomic.LoadInt64(&handler.initiations))
	assert.Equal(t, int64(1), atomic.LoadInt64(&store.creates))
}

func TestSplitToolName(t *testing.T) {
	m := newTestManager(t, calcConfig(), WithTransportFactory(newFakeServer().factory(nil)))

	tests := []struct {
		in     string
		tool   string
		server string
		ok     bool
	}{
		{"add__calc", "add", "calc", true},
		{"do__thing__calc", "do__thing", "calc", true},
		{"add", "", "", false},
		{"__calc", "", "", false},
		{"add__", "", "", false},
	}
	for _, tt := range tests {
		tool, server, err := m.SplitToolName(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.tool, tool)
			assert.Equal(t, tt.server, server)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}

func TestCallNamespacedTool(t *testing.T) {
	fake := newFakeServer()
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(nil)))
	m.StartServers(context.Background())

	result, err := m.CallNamespacedTool(context.Background(), "", "", "add__calc", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Positive(t, fake.callCount("tools/call"))
}

func TestInstructions(t *testing.T) {
	fake := newFakeServer()
	fake.handle("initialize", func(json.RawMessage) (interface{}, error) {
		return map[string]interface{}{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]interface{}{},
			"serverInfo":      map[string]string{"name": "fake-server", "version": "1.0.0"},
			"instructions":    "prefer add over subtract",
		}, nil
	})

	cfg := &config.Config{
		Servers: map[string]*config.ServerConfig{
			"ask":     {Command: "./ask", Instructions: &config.Instructions{Enabled: true}},
			"literal": {Command: "./literal", Instructions: &config.Instructions{Enabled: true, Text: "always batch"}},
			"silent":  {Command: "./silent"},
		},
	}
	m := newTestManager(t, cfg, WithTransportFactory(fake.factory(nil)))
	m.StartServers(context.Background())

	assert.Equal(t, "prefer add over subtract", m.Instructions("ask"))
	assert.Equal(t, "always batch", m.Instructions("literal"))
	assert.Empty(t, m.Instructions("silent"))
}

func TestShutdownRejectsCalls(t *testing.T) {
	fake := newFakeServer()
	m := newTestManager(t, calcConfig(), WithTransportFactory(fake.factory(nil)))
	m.StartServers(context.Background())

	m.Shutdown(context.Background())

	_, err := m.CallTool(context.Background(), "", "", "calc", "add", nil, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

// gatedFlowHandler resolves flows with fixed tokens after a delay, so
// concurrent triggers overlap deterministically.
type gatedFlowHandler struct {
	initiations int64
	delay       time.Duration
	tokens      *oauth.Tokens
}

func (h *gatedFlowHandler) InitiateFlow(ctx context.Context, _ string, _ *config.ServerConfig) (*oauth.Tokens, error) {
	atomic.AddInt64(&h.initiations, 1)
	select {
	case <-time.After(h.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.tokens, nil
}

func (h *gatedFlowHandler) RefreshTokens(_ context.Context, _ string, _ *config.ServerConfig, _ *oauth.Tokens) (*oauth.Tokens, error) {
	return h.tokens, nil
}

// countingStore counts CreateToken calls on top of a real store.
type countingStore struct {
	oauth.TokenStore
	creates int64
}

func (s *countingStore) CreateToken(principal, server string, tokens *oauth.Tokens) error {
	atomic.AddInt64(&s.creates, 1)
	return s.TokenStore.CreateToken(principal, server, tokens)
}
