// Package pool manages MCP client connections across process and thread
// scopes: acquisition, per-user variable expansion, activity tracking and
// idle reclamation.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mcppool-go/internal/config"
	"mcppool-go/internal/logs"
	"mcppool-go/internal/metrics"
	"mcppool-go/internal/oauth"
	"mcppool-go/internal/upstream"
)

const (
	// poolInitTimeout bounds the initialize handshake for connections the
	// pool creates when the descriptor does not set its own limit.
	poolInitTimeout = 30 * time.Second

	initRetryAttempts  = 3
	initRetryBaseDelay = 2 * time.Second
)

// ErrShuttingDown rejects new operations once teardown has started.
var ErrShuttingDown = errors.New("pool manager is shutting down")

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCoordinator wires the authorization coordinator handed to every
// connection the pool creates.
func WithCoordinator(coord *oauth.Coordinator) Option {
	return func(m *Manager) { m.coord = coord }
}

// WithTransportFactory overrides transport construction for all pooled
// connections.
func WithTransportFactory(fn upstream.TransportFactory) Option {
	return func(m *Manager) { m.transportFactory = fn }
}

// Manager owns the pooled connections. Process-scope connections are shared
// by all callers; thread-scope connections belong to one (user, thread)
// pair and are reclaimed after idling.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger
	coord  *oauth.Coordinator

	transportFactory upstream.TransportFactory
	now              func() time.Time

	// retryDelay computes the wait between initializeServer attempts;
	// replaced in tests.
	retryDelay func(attempt int) time.Duration

	mu                 sync.RWMutex
	processConnections map[string]*upstream.Connection
	threadConnections  map[string]map[string]*upstream.Connection
	threadLastActivity map[string]time.Time
	userLastActivity   map[string]time.Time
	userThreads        map[string]map[string]struct{}
	serverInstructions map[string]string
	mcpConfigs         map[string]*config.ServerConfig

	// acquireGroup collapses concurrent thread-scope acquisitions for the
	// same (user, thread, server) triple into one creation.
	acquireGroup singleflight.Group

	shuttingDown atomic.Bool
}

// New builds a manager for the configuration. Disabled servers are left
// out entirely. Servers are not connected until StartServers runs.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:                cfg,
		logger:             zap.NewNop(),
		now:                time.Now,
		processConnections: make(map[string]*upstream.Connection),
		threadConnections:  make(map[string]map[string]*upstream.Connection),
		threadLastActivity: make(map[string]time.Time),
		userLastActivity:   make(map[string]time.Time),
		userThreads:        make(map[string]map[string]struct{}),
		serverInstructions: make(map[string]string),
		mcpConfigs:         make(map[string]*config.ServerConfig),
	}
	m.retryDelay = func(attempt int) time.Duration {
		return time.Duration(attempt) * initRetryBaseDelay
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("pool")

	for name, srv := range cfg.Servers {
		if srv.Disabled {
			m.logger.Info("Skipping disabled server", zap.String("server", name))
			continue
		}
		m.mcpConfigs[name] = srv
	}
	return m, nil
}

// ServerNames returns the managed server names, sorted.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.mcpConfigs))
	for name := range m.mcpConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerConfig returns the descriptor for a managed server.
func (m *Manager) ServerConfig(name string) (*config.ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.mcpConfigs[name]
	return srv, ok
}

// ProcessConnection returns the process-scope connection for a server.
func (m *Manager) ProcessConnection(name string) (*upstream.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.processConnections[name]
	return conn, ok
}

// StartServers creates and connects the process-scope connection for every
// managed server. Individual failures are logged and do not stop the rest;
// failed connections stay registered so later calls can revive them.
func (m *Manager) StartServers(ctx context.Context) {
	for _, name := range m.ServerNames() {
		srvCfg, _ := m.ServerConfig(name)
		conn := m.newConnection("", srvCfg)

		m.mu.Lock()
		m.processConnections[name] = conn
		m.mu.Unlock()
		metrics.ConnectionsActive.WithLabelValues("process").Inc()

		if err := m.initializeServer(ctx, conn); err != nil {
			m.logger.Error("Failed to connect server at startup",
				zap.String("server", name),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.serverInstructions[name] = resolveInstructions(srvCfg, conn)
		m.mu.Unlock()
	}
}

// newConnection builds an upstream connection wired into the pool's
// coordinator, event handling and timeout policy.
func (m *Manager) newConnection(principal string, srvCfg *config.ServerConfig) *upstream.Connection {
	logger := m.logger.Named("upstream")
	if m.cfg.Logging != nil && m.cfg.Logging.EnableFile {
		if srvLogger, err := logs.CreateServerLogger(m.cfg.Logging, srvCfg.Name); err == nil {
			logger = srvLogger
		} else {
			m.logger.Warn("Failed to create server log file, using shared logger",
				zap.String("server", srvCfg.Name),
				zap.Error(err))
		}
	}
	opts := []upstream.Option{
		upstream.WithLogger(logger),
		upstream.WithCallTimeout(m.cfg.CallToolTimeout.Std()),
		upstream.WithEventCallback(m.onEvent),
	}
	if m.coord != nil {
		opts = append(opts, upstream.WithCoordinator(m.coord))
	}
	if srvCfg.InitTimeout <= 0 {
		opts = append(opts, upstream.WithInitTimeout(poolInitTimeout))
	}
	if m.transportFactory != nil {
		opts = append(opts, upstream.WithTransportFactory(m.transportFactory))
	}
	return upstream.NewConnection(principal, srvCfg, opts...)
}

// initializeServer connects with retries: up to 3 attempts, 2s/4s between
// them. Authorization failures short-circuit since the connection already
// ran its coordinator round trip.
func (m *Manager) initializeServer(ctx context.Context, conn *upstream.Connection) error {
	var err error
	for attempt := 1; attempt <= initRetryAttempts; attempt++ {
		if err = conn.Connect(ctx); err == nil {
			return nil
		}
		if oauth.IsAuthError(err) {
			return err
		}
		if attempt == initRetryAttempts {
			break
		}
		delay := m.retryDelay(attempt)
		m.logger.Warn("Server initialization failed, retrying",
			zap.String("server", conn.ServerName()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *Manager) onEvent(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventOAuthRequired:
		metrics.AuthFlows.WithLabelValues(ev.Server, "required").Inc()
	case upstream.EventOAuthHandled:
		metrics.AuthFlows.WithLabelValues(ev.Server, "handled").Inc()
	case upstream.EventOAuthFailed:
		metrics.AuthFlows.WithLabelValues(ev.Server, "failed").Inc()
	case upstream.EventSessionError:
		metrics.SessionRecoveries.Inc()
	case upstream.EventError:
		m.logger.Warn("Upstream connection error",
			zap.String("server", ev.Server),
			zap.String("principal", ev.Principal),
			zap.Error(ev.Err))
	}
}

// Instructions returns the instruction text for a server: the configured
// literal when one is set, otherwise what the server supplied during the
// handshake. Empty when instructions are disabled.
func (m *Manager) Instructions(name string) string {
	m.mu.RLock()
	if text, ok := m.serverInstructions[name]; ok {
		m.mu.RUnlock()
		return text
	}
	srvCfg := m.mcpConfigs[name]
	conn := m.processConnections[name]
	m.mu.RUnlock()
	if srvCfg == nil || conn == nil {
		return ""
	}
	return resolveInstructions(srvCfg, conn)
}

func resolveInstructions(srvCfg *config.ServerConfig, conn *upstream.Connection) string {
	ins := srvCfg.Instructions
	if ins == nil || !ins.Enabled {
		return ""
	}
	if ins.Text != "" {
		return ins.Text
	}
	return conn.Instructions()
}

// Status reports a snapshot of every tracked connection.
func (m *Manager) Status() []upstream.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]upstream.Info, 0, len(m.processConnections))
	for _, conn := range m.processConnections {
		infos = append(infos, conn.Snapshot())
	}
	for _, servers := range m.threadConnections {
		for _, conn := range servers {
			infos = append(infos, conn.Snapshot())
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Server != infos[j].Server {
			return infos[i].Server < infos[j].Server
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Shutdown rejects new work and tears down every connection.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shuttingDown.Store(true)
	m.DisconnectAll(ctx)
}
