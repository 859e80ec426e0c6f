package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mcppool-go/internal/config"
	"mcppool-go/internal/oauth"
	"mcppool-go/internal/session"
	"mcppool-go/internal/transport"
)

const (
	clientName    = "mcppool"
	clientVersion = "1.0.0"

	maxReconnectAttempts = 3
	reconnectBackoffCap  = 30 * time.Second
	sessionRecoveryWait  = time.Second

	// authWaitTimeout bounds how long a connect attempt waits for the
	// authorization coordinator.
	authWaitTimeout = 60 * time.Second
)

// reconnectBackoff returns the delay before reconnect attempt n (0-based):
// 1s, 2s, 4s, ... capped at 30s.
func reconnectBackoff(n int) time.Duration {
	d := time.Duration(1000*(1<<uint(n))) * time.Millisecond
	if d > reconnectBackoffCap {
		d = reconnectBackoffCap
	}
	return d
}

// ToolMetadata is the projected tool description handed to pool consumers.
type ToolMetadata struct {
	Name        string `json:"name"`
	ServerName  string `json:"server_name"`
	Description string `json:"description"`
	ParamsJSON  string `json:"params_json"`
}

// Info is a point-in-time snapshot of a connection for status surfaces.
type Info struct {
	ID            string
	Server        string
	Principal     string
	State         ConnectionState
	LastError     error
	RetryCount    int
	SessionID     string
	ServerName    string
	ServerVersion string
	Instructions  string
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithCoordinator wires the authorization coordinator used when the server
// demands authorization.
func WithCoordinator(coord *oauth.Coordinator) Option {
	return func(c *Connection) { c.coord = coord }
}

// WithEventCallback registers the event sink.
func WithEventCallback(cb EventCallback) Option {
	return func(c *Connection) { c.eventCb = cb }
}

// WithInitTimeout overrides the descriptor's initialize timeout. The pool
// uses this to tighten the default for interactive paths.
func WithInitTimeout(d time.Duration) Option {
	return func(c *Connection) { c.initTimeout = d }
}

// WithCallTimeout sets the fallback per-call timeout applied when the
// descriptor has none.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Connection) { c.callTimeout = d }
}

// WithHTTPClient sets the HTTP client used for explicit session
// termination.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connection) { c.httpClient = hc }
}

// TransportFactory builds the transport for a connect attempt. Overridable
// for tests and embedders with custom transports.
type TransportFactory func(cfg *config.ServerConfig, opts transport.Options) (*transport.Result, error)

// WithTransportFactory overrides how transports are constructed.
func WithTransportFactory(fn TransportFactory) Option {
	return func(c *Connection) { c.transportFactory = fn }
}

// Connection wraps one MCP client for one server and one principal. It owns
// the connect/reconnect/recover state machine.
type Connection struct {
	id        string
	principal string
	cfg       *config.ServerConfig
	logger    *zap.Logger
	state     *StateManager
	coord     *oauth.Coordinator
	eventCb   EventCallback

	initTimeout      time.Duration
	callTimeout      time.Duration
	httpClient       *http.Client
	transportFactory TransportFactory

	mu         sync.RWMutex
	client     *client.Client
	rawTr      mcptransport.Interface
	kind       string
	sessionRec *session.Record
	tokens     *oauth.Tokens
	serverInfo *mcp.InitializeResult

	connectGroup singleflight.Group

	// backoffFn computes reconnect delays; replaced in tests.
	backoffFn func(int) time.Duration

	// reconnectActive enforces one reconnect loop per connection.
	reconnectActive atomic.Bool
	// recovering enforces one session-recovery cycle at a time.
	recovering atomic.Bool
	// connecting marks an initialize in progress so reconnect and recovery
	// stay out of the way.
	connecting atomic.Bool
	// stopReconnect is set by Disconnect to halt the reconnect loop.
	stopReconnect atomic.Bool
}

// NewConnection creates an unconnected Connection for the descriptor.
func NewConnection(principal string, cfg *config.ServerConfig, opts ...Option) *Connection {
	c := &Connection{
		id:        ulid.Make().String(),
		principal: principal,
		cfg:       cfg,
		logger:    zap.NewNop(),
		state:     NewStateManager(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transportFactory == nil {
		c.transportFactory = transport.Create
	}
	if c.backoffFn == nil {
		c.backoffFn = reconnectBackoff
	}
	c.logger = c.logger.With(zap.String("server", cfg.Name))
	if c.initTimeout <= 0 {
		c.initTimeout = cfg.InitTimeoutOrDefault()
	}
	c.state.SetStateChangeCallback(func(oldState, newState ConnectionState, err error) {
		c.logger.Debug("Connection state changed",
			zap.String("from", oldState.String()),
			zap.String("to", newState.String()))
		c.emit(Event{Kind: EventStateChanged, State: newState, Err: err})
	})
	return c
}

// ID returns the connection's unique instance id.
func (c *Connection) ID() string { return c.id }

// ServerName returns the configured server name.
func (c *Connection) ServerName() string { return c.cfg.Name }

// Principal returns the principal this connection acts for.
func (c *Connection) Principal() string { return c.principal }

// State returns the current connection state.
func (c *Connection) State() ConnectionState { return c.state.State() }

func (c *Connection) emit(ev Event) {
	cb := c.eventCb
	if cb == nil {
		return
	}
	ev.Server = c.cfg.Name
	ev.Principal = c.principal
	if ev.Kind != EventStateChanged {
		ev.State = c.state.State()
	}
	cb(ev)
}

// SetAuthTokens injects tokens for use on the next (re)connect.
func (c *Connection) SetAuthTokens(tokens *oauth.Tokens) {
	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()
}

// Connect drives the connection to the connected state. Idempotent when
// already connected; concurrent callers attach to the same in-flight
// attempt.
func (c *Connection) Connect(ctx context.Context) error {
	if c.state.State() == StateConnected {
		return nil
	}
	_, err, _ := c.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, c.doConnect(ctx, true)
	})
	return err
}

func (c *Connection) doConnect(ctx context.Context, allowAuthRetry bool) error {
	if c.state.State() == StateConnected {
		return nil
	}
	if !c.state.TransitionTo(StateConnecting) {
		return fmt.Errorf("cannot connect server %s from state %s", c.cfg.Name, c.state.State())
	}
	c.connecting.Store(true)
	defer c.connecting.Store(false)

	err := c.establish(ctx)
	if err == nil {
		return nil
	}

	if allowAuthRetry && oauth.IsAuthError(err) {
		c.logger.Info("Server requires authorization", zap.Error(err))
		c.emit(Event{Kind: EventOAuthRequired, Err: err})

		if aerr := c.authorize(ctx); aerr != nil {
			c.emit(Event{Kind: EventOAuthFailed, Err: aerr})
			c.state.TransitionToError(aerr)
			return fmt.Errorf("authorization failed for server %s: %w", c.cfg.Name, aerr)
		}
		c.emit(Event{Kind: EventOAuthHandled})

		// Resume the original connect attempt with fresh tokens.
		rerr := c.establish(ctx)
		if rerr == nil {
			return nil
		}
		err = rerr
	}

	c.state.TransitionToError(err)
	c.emit(Event{Kind: EventError, Err: err})
	return fmt.Errorf("failed to connect to server %s: %w", c.cfg.Name, err)
}

// establish tears down any prior transport, builds a fresh one and runs the
// initialize handshake under the init timeout.
func (c *Connection) establish(ctx context.Context) error {
	c.closeClientLocked()

	c.mu.RLock()
	var bearer string
	if c.tokens != nil {
		bearer = c.tokens.AccessToken
	}
	var priorSession string
	if c.sessionRec != nil && !c.sessionRec.Terminated {
		priorSession = c.sessionRec.ID
	}
	c.mu.RUnlock()

	result, err := c.transportFactory(c.cfg, transport.Options{
		BearerToken: bearer,
		SessionID:   priorSession,
	})
	if err != nil {
		return err
	}

	guarded := newGuardTransport(result.Transport, c.logger)
	mcpClient := client.NewClient(guarded)
	mcpClient.OnNotification(c.handleNotification)

	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	if err := mcpClient.Start(initCtx); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("transport start failed: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(initCtx, initRequest)
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	c.mu.Lock()
	c.client = mcpClient
	c.rawTr = result.Transport
	c.kind = result.Kind
	c.serverInfo = serverInfo
	c.mu.Unlock()

	c.state.TransitionTo(StateConnected)
	c.logger.Info("Connected to upstream server",
		zap.String("transport", result.Kind),
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version))

	if result.Kind == config.TransportStreamableHTTP {
		c.adoptSession(result.Transport.GetSessionId())
	}
	return nil
}

// adoptSession records the server-assigned session id after a successful
// handshake. Invalid ids are ignored (stateless server).
func (c *Connection) adoptSession(id string) {
	if id == "" {
		return
	}
	if !session.IsValidID(id) {
		c.logger.Warn("Ignoring invalid session id from server", zap.String("session_id", id))
		return
	}
	c.mu.Lock()
	c.sessionRec = session.NewRecord(id)
	c.mu.Unlock()
	c.logger.Debug("Session established", zap.String("session_id", id))
	c.emit(Event{Kind: EventSessionCreated, SessionID: id})
}

func (c *Connection) authorize(ctx context.Context) error {
	if c.coord == nil {
		return fmt.Errorf("no authorization coordinator configured")
	}
	authCtx, cancel := context.WithTimeout(ctx, authWaitTimeout)
	defer cancel()

	tokens, err := c.coord.Authorize(authCtx, c.principal, c.cfg)
	if err != nil {
		return err
	}
	c.SetAuthTokens(tokens)
	return nil
}

// Disconnect terminates the session (streamable HTTP), closes the client
// and moves to disconnected. Safe to call in any state.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.stopReconnect.Store(true)

	c.mu.RLock()
	rec := c.sessionRec
	kind := c.kind
	var bearer string
	if c.tokens != nil {
		bearer = c.tokens.AccessToken
	}
	sessionLive := rec != nil && !rec.Terminated
	c.mu.RUnlock()

	if kind == config.TransportStreamableHTTP && sessionLive {
		term := session.NewTerminator(c.httpClient, c.logger)
		terminated, _ := term.Terminate(ctx, c.cfg.URL, rec.ID, bearer)
		if terminated {
			// Mark under the connection lock; Snapshot and SessionInfo read
			// the record under the same lock.
			c.mu.Lock()
			rec.Terminated = true
			c.mu.Unlock()
			c.emit(Event{Kind: EventSessionTerminated, SessionID: rec.ID})
		}
	}

	c.closeClientLocked()

	c.mu.Lock()
	c.sessionRec = nil
	c.mu.Unlock()

	c.state.TransitionTo(StateDisconnected)
	return nil
}

func (c *Connection) closeClientLocked() {
	c.mu.Lock()
	mcpClient := c.client
	c.client = nil
	c.rawTr = nil
	c.mu.Unlock()
	if mcpClient != nil {
		_ = mcpClient.Close()
	}
}

// IsConnected probes liveness with a JSON-RPC ping. True only when the
// state is connected and the server answers.
func (c *Connection) IsConnected(ctx context.Context) bool {
	if c.state.State() != StateConnected {
		return false
	}
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()
	if mcpClient == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mcpClient.Ping(pingCtx); err != nil {
		c.logger.Debug("Liveness ping failed", zap.Error(err))
		return false
	}
	return true
}

// CallTool issues tools/call under the per-call timeout. Session errors of
// recoverable kind trigger transparent session recovery with one retry.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	result, err := c.callToolOnce(ctx, name, args)
	if err == nil {
		return result, nil
	}

	kind := session.Classify(err)
	switch {
	case kind.Recoverable() && c.currentSession() != nil:
		c.emit(Event{Kind: EventSessionError, Err: err, SessionID: c.currentSessionID()})
		if rerr := c.recoverSession(ctx); rerr != nil {
			return nil, fmt.Errorf("session recovery failed for server %s: %w", c.cfg.Name, rerr)
		}
		return c.callToolOnce(ctx, name, args)
	case kind == session.ErrorInvalid && c.currentSession() != nil:
		c.emit(Event{Kind: EventSessionError, Err: err, SessionID: c.currentSessionID()})
		return nil, fmt.Errorf("session invalid on server %s: %w", c.cfg.Name, err)
	default:
		if isTransportFailure(err) {
			c.MarkTransportError(err)
		}
		return nil, fmt.Errorf("tool call %s failed on server %s: %w", name, c.cfg.Name, err)
	}
}

// transportFailureSignatures match transport-level faults that arrive as
// opaque wrapped errors from the client library.
var transportFailureSignatures = []string{
	"empty result",
	"connection refused",
	"connection reset",
	"broken pipe",
	"transport error",
	"failed to send",
	"use of closed network connection",
}

// isTransportFailure reports whether a call failed because the transport
// itself is gone, as opposed to the tool or the caller's context.
func isTransportFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResult) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transportFailureSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func (c *Connection) callToolOnce(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if c.state.State() != StateConnected {
		return nil, fmt.Errorf("server %s is not connected (state: %s)", c.cfg.Name, c.state.State())
	}
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()
	if mcpClient == nil {
		return nil, fmt.Errorf("server %s has no active client", c.cfg.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeoutOrDefault(c.callTimeout))
	defer cancel()

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return mcpClient.CallTool(callCtx, request)
}

// recoverSession clears the session record, drops the transport, waits and
// reconnects to obtain a fresh session. Recoverable session errors bypass
// the generic error transition.
func (c *Connection) recoverSession(ctx context.Context) error {
	if c.reconnectActive.Load() || c.connecting.Load() {
		return fmt.Errorf("connection busy, skipping session recovery")
	}
	if !c.recovering.CompareAndSwap(false, true) {
		return fmt.Errorf("session recovery already in progress")
	}
	defer c.recovering.Store(false)

	c.mu.Lock()
	old := c.sessionRec
	c.sessionRec = nil
	c.mu.Unlock()
	if old != nil {
		c.logger.Info("Recovering session", zap.String("old_session_id", old.ID))
	}

	c.state.TransitionTo(StateReconnecting)
	c.closeClientLocked()

	select {
	case <-time.After(sessionRecoveryWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err, _ := c.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, c.doConnect(ctx, true)
	})
	return err
}

// Refresh forces a fresh connect cycle. Used when a liveness probe fails
// while the state still reads connected, and to revive dropped connections
// on demand.
func (c *Connection) Refresh(ctx context.Context) error {
	if c.state.State() == StateConnected {
		c.state.TransitionTo(StateReconnecting)
		c.closeClientLocked()
	}
	_, err, _ := c.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, c.doConnect(ctx, true)
	})
	return err
}

// MarkTransportError records an unexpected transport-level failure and
// starts the reconnect loop.
func (c *Connection) MarkTransportError(err error) {
	if c.state.State() != StateConnected {
		return
	}
	c.state.TransitionToError(err)
	c.emit(Event{Kind: EventError, Err: err})
	c.ScheduleReconnect()
}

// ScheduleReconnect starts the background reconnect loop if one is not
// already running and the connection is in a reconnectable state.
func (c *Connection) ScheduleReconnect() {
	if c.connecting.Load() || c.recovering.Load() {
		return
	}
	if c.state.State() != StateError {
		return
	}
	if !c.reconnectActive.CompareAndSwap(false, true) {
		return
	}
	c.stopReconnect.Store(false)
	go c.reconnectLoop()
}

func (c *Connection) reconnectLoop() {
	defer c.reconnectActive.Store(false)

	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := c.backoffFn(attempt)
		c.logger.Info("Scheduling reconnect attempt",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		time.Sleep(delay)

		if c.stopReconnect.Load() {
			c.logger.Debug("Reconnect loop stopped")
			return
		}

		c.state.TransitionTo(StateReconnecting)
		_, err, _ := c.connectGroup.Do("connect", func() (interface{}, error) {
			return nil, c.doConnect(context.Background(), true)
		})
		if err == nil {
			c.logger.Info("Reconnected", zap.Int("attempts", attempt+1))
			return
		}
		c.logger.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	c.logger.Error("Reconnect attempts exhausted",
		zap.Int("max_attempts", maxReconnectAttempts))
}

func (c *Connection) handleNotification(notification mcp.JSONRPCNotification) {
	c.logger.Debug("Notification from server", zap.String("method", notification.Method))
	if notification.Method == "notifications/resources/list_changed" {
		c.emit(Event{Kind: EventResourcesChanged})
	}
}

// ListTools returns the server's tools as metadata. Best effort: failures
// are logged and yield an empty list.
func (c *Connection) ListTools(ctx context.Context) []ToolMetadata {
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()
	if c.state.State() != StateConnected || mcpClient == nil {
		return nil
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.logger.Warn("Failed to list tools", zap.Error(err))
		return nil
	}

	tools := make([]ToolMetadata, 0, len(result.Tools))
	for i := range result.Tools {
		tool := &result.Tools[i]
		meta := ToolMetadata{
			Name:        tool.Name,
			ServerName:  c.cfg.Name,
			Description: tool.Description,
		}
		if schema, err := json.Marshal(tool.InputSchema); err == nil {
			meta.ParamsJSON = string(schema)
		}
		tools = append(tools, meta)
	}
	return tools
}

// ListResources lists the server's resources, empty on error.
func (c *Connection) ListResources(ctx context.Context) []mcp.Resource {
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()
	if c.state.State() != StateConnected || mcpClient == nil {
		return nil
	}
	result, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		c.logger.Warn("Failed to list resources", zap.Error(err))
		return nil
	}
	return result.Resources
}

// ListPrompts lists the server's prompts, empty on error.
func (c *Connection) ListPrompts(ctx context.Context) []mcp.Prompt {
	c.mu.RLock()
	mcpClient := c.client
	c.mu.RUnlock()
	if c.state.State() != StateConnected || mcpClient == nil {
		return nil
	}
	result, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		c.logger.Warn("Failed to list prompts", zap.Error(err))
		return nil
	}
	return result.Prompts
}

// Instructions returns the server-supplied instructions from the handshake.
func (c *Connection) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverInfo == nil {
		return ""
	}
	return c.serverInfo.Instructions
}

func (c *Connection) currentSession() *session.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionRec
}

func (c *Connection) currentSessionID() string {
	if rec := c.currentSession(); rec != nil {
		return rec.ID
	}
	return ""
}

// SessionInfo returns a snapshot of the session record, or nil.
func (c *Connection) SessionInfo() *session.Record {
	rec := c.currentSession()
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// Snapshot returns the connection's current status.
func (c *Connection) Snapshot() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := Info{
		ID:         c.id,
		Server:     c.cfg.Name,
		Principal:  c.principal,
		State:      c.state.State(),
		LastError:  c.state.LastError(),
		RetryCount: c.state.RetryCount(),
	}
	if c.sessionRec != nil {
		info.SessionID = c.sessionRec.ID
	}
	if c.serverInfo != nil {
		info.ServerName = c.serverInfo.ServerInfo.Name
		info.ServerVersion = c.serverInfo.ServerInfo.Version
		info.Instructions = c.serverInfo.Instructions
	}
	return info
}
