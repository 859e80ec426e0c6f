package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcppool-go/internal/metrics"
	"mcppool-go/internal/upstream"
)

// CallTool dispatches a tool call. With both user and threadID set the call
// runs on that thread's connection, created on demand; otherwise it falls
// back to the shared process-scope connection. userVars feed per-user
// variable expansion when a thread connection is created.
func (m *Manager) CallTool(ctx context.Context, user, threadID, serverName, toolName string, args map[string]interface{}, userVars map[string]string) (*mcp.CallToolResult, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	conn, err := m.connectionFor(ctx, user, threadID, serverName, userVars)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := conn.CallTool(ctx, toolName, args)
	metrics.ObserveToolCall(serverName, start, err)
	if err != nil {
		return nil, err
	}
	m.touchActivity(user, threadID)
	return result, nil
}

// CallNamespacedTool dispatches a call addressed by its namespaced name,
// "<tool><delimiter><server>".
func (m *Manager) CallNamespacedTool(ctx context.Context, user, threadID, namespaced string, args map[string]interface{}, userVars map[string]string) (*mcp.CallToolResult, error) {
	toolName, serverName, err := m.SplitToolName(namespaced)
	if err != nil {
		return nil, err
	}
	return m.CallTool(ctx, user, threadID, serverName, toolName, args, userVars)
}

// SplitToolName splits a namespaced tool name into tool and server. The
// last delimiter occurrence wins so tool names may contain the delimiter.
func (m *Manager) SplitToolName(namespaced string) (toolName, serverName string, err error) {
	delim := m.cfg.ToolNameDelimiter
	idx := strings.LastIndex(namespaced, delim)
	if idx <= 0 || idx+len(delim) >= len(namespaced) {
		return "", "", fmt.Errorf("tool name %q is not namespaced with %q", namespaced, delim)
	}
	return namespaced[:idx], namespaced[idx+len(delim):], nil
}

func (m *Manager) connectionFor(ctx context.Context, user, threadID, serverName string, userVars map[string]string) (*upstream.Connection, error) {
	if user != "" && threadID != "" {
		return m.getThreadConnection(ctx, user, threadID, serverName, userVars)
	}
	return m.getProcessConnection(ctx, serverName)
}

// getProcessConnection returns the shared connection for a server, reviving
// it when the liveness probe fails.
func (m *Manager) getProcessConnection(ctx context.Context, serverName string) (*upstream.Connection, error) {
	m.mu.RLock()
	conn, ok := m.processConnections[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown server: %s", serverName)
	}
	if !conn.IsConnected(ctx) {
		m.logger.Info("Process connection unhealthy, reconnecting",
			zap.String("server", serverName))
		if err := conn.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("failed to revive server %s: %w", serverName, err)
		}
	}
	return conn, nil
}

// getThreadConnection returns the thread's connection to a server, creating
// it on first use. Stale threads are torn down wholesale, individual dead
// connections are replaced. Concurrent acquisitions of the same triple
// share one creation.
func (m *Manager) getThreadConnection(ctx context.Context, user, threadID, serverName string, userVars map[string]string) (*upstream.Connection, error) {
	if user == "" || threadID == "" {
		return nil, fmt.Errorf("thread-scope acquisition requires user and thread ids")
	}
	key := user + "\x00" + threadID + "\x00" + serverName
	v, err, _ := m.acquireGroup.Do(key, func() (interface{}, error) {
		return m.acquireThreadConnection(ctx, user, threadID, serverName, userVars)
	})
	if err != nil {
		return nil, err
	}
	return v.(*upstream.Connection), nil
}

func (m *Manager) acquireThreadConnection(ctx context.Context, user, threadID, serverName string, userVars map[string]string) (*upstream.Connection, error) {
	m.mu.RLock()
	conn := m.threadConnections[threadID][serverName]
	last, tracked := m.threadLastActivity[threadID]
	m.mu.RUnlock()

	if conn != nil {
		switch {
		case tracked && m.now().Sub(last) > m.cfg.ThreadIdleTimeout.Std():
			m.logger.Info("Thread idle past limit, recycling its connections",
				zap.String("thread", threadID))
			m.disconnectThreadConnections(ctx, threadID)
		case conn.IsConnected(ctx):
			if m.confirmThreadConnection(user, threadID, serverName, conn) {
				return conn, nil
			}
			// A reaper pass tore the thread down while the probe ran; fall
			// through and build a fresh connection.
		default:
			m.logger.Info("Thread connection unhealthy, replacing",
				zap.String("thread", threadID),
				zap.String("server", serverName))
			m.removeThreadConnection(threadID, serverName, conn)
		}
	}

	base, ok := m.ServerConfig(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown server: %s", serverName)
	}
	srvCfg := base.ExpandUserVars(user, userVars)

	conn = m.newConnection(user, srvCfg)
	if m.coord != nil {
		if tokens, err := m.coord.Tokens(ctx, user, srvCfg); err == nil {
			conn.SetAuthTokens(tokens)
		}
	}

	if err := m.initializeServer(ctx, conn); err != nil {
		go func() {
			_ = conn.Disconnect(context.Background())
		}()
		return nil, fmt.Errorf("failed to initialize server %s for thread %s: %w", serverName, threadID, err)
	}

	m.registerThreadConnection(user, threadID, serverName, conn)
	return conn, nil
}

// confirmThreadConnection re-checks, under the lock, that a probed
// connection is still registered before handing it out; a connection whose
// teardown started mid-probe must not be returned. Activity timestamps
// advance in the same critical section.
func (m *Manager) confirmThreadConnection(user, threadID, serverName string, conn *upstream.Connection) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threadConnections[threadID][serverName] != conn {
		return false
	}
	m.userLastActivity[user] = now
	if _, ok := m.threadLastActivity[threadID]; ok {
		m.threadLastActivity[threadID] = now
	}
	return true
}

func (m *Manager) registerThreadConnection(user, threadID, serverName string, conn *upstream.Connection) {
	now := m.now()
	m.mu.Lock()
	if m.threadConnections[threadID] == nil {
		m.threadConnections[threadID] = make(map[string]*upstream.Connection)
	}
	m.threadConnections[threadID][serverName] = conn
	if m.userThreads[user] == nil {
		m.userThreads[user] = make(map[string]struct{})
	}
	m.userThreads[user][threadID] = struct{}{}
	m.threadLastActivity[threadID] = now
	m.userLastActivity[user] = now
	m.mu.Unlock()
	metrics.ConnectionsActive.WithLabelValues("thread").Inc()
}

// removeThreadConnection drops one connection from a thread without
// touching the thread's other connections.
func (m *Manager) removeThreadConnection(threadID, serverName string, conn *upstream.Connection) {
	m.mu.Lock()
	if servers, ok := m.threadConnections[threadID]; ok && servers[serverName] == conn {
		delete(servers, serverName)
		if len(servers) == 0 {
			delete(m.threadConnections, threadID)
		}
	}
	m.mu.Unlock()
	metrics.ConnectionsActive.WithLabelValues("thread").Dec()
	go func() {
		if err := conn.Disconnect(context.Background()); err != nil {
			m.logger.Warn("Failed to disconnect replaced connection",
				zap.String("server", serverName),
				zap.String("thread", threadID),
				zap.Error(err))
		}
	}()
}

// touchActivity advances the activity timestamps for whichever identifiers
// are present.
func (m *Manager) touchActivity(user, threadID string) {
	now := m.now()
	m.mu.Lock()
	if user != "" {
		m.userLastActivity[user] = now
	}
	if threadID != "" {
		if _, tracked := m.threadLastActivity[threadID]; tracked {
			m.threadLastActivity[threadID] = now
		}
	}
	m.mu.Unlock()
}
