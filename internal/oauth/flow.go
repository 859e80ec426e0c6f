package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default timeouts for flow coordination.
const (
	// DefaultFlowTimeout is the maximum time to wait for a flow to complete.
	DefaultFlowTimeout = 5 * time.Minute
	// StaleFlowTimeout is the age after which an abandoned flow is cleared.
	StaleFlowTimeout = 10 * time.Minute
)

// ErrFlowTimeout indicates that waiting for an authorization flow timed out.
var ErrFlowTimeout = errors.New("timeout waiting for authorization flow to complete")

// ErrFlowNotFound indicates no flow exists with the given id.
var ErrFlowNotFound = errors.New("authorization flow not found")

// FlowState tracks the lifecycle of an authorization flow.
type FlowState int

const (
	FlowPending FlowState = iota
	FlowInProgress
	FlowCompleted
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowPending:
		return "pending"
	case FlowInProgress:
		return "in_progress"
	case FlowCompleted:
		return "completed"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FlowID derives the deterministic flow id for a principal/server pair, so
// every caller needing authorization for the same pair lands on the same
// flow.
func FlowID(principal, server string) string {
	sum := sha256.Sum256([]byte("flow\x00" + principal + "\x00" + server))
	return hex.EncodeToString(sum[:])[:32]
}

// FlowInfo carries descriptive flow metadata for logging and status
// surfaces.
type FlowInfo struct {
	Principal string
	Server    string
	AuthURL   string
}

// flowEntry is one live flow with its waiters.
type flowEntry struct {
	id            string
	correlationID string
	info          FlowInfo
	state         FlowState
	startTime     time.Time

	done   chan struct{}
	tokens *Tokens
	err    error
}

func (e *flowEntry) terminal() bool {
	return e.state == FlowCompleted || e.state == FlowFailed
}

// FlowStore tracks in-flight authorization flows and ensures a flow for a
// given id runs at most once, with late arrivals attaching to the existing
// one.
type FlowStore interface {
	// CreateFlow registers a flow (or attaches to the existing one with the
	// same id) and blocks until Complete or Fail resolves it, the context is
	// done, or the flow times out.
	CreateFlow(ctx context.Context, id string, info FlowInfo) (*Tokens, error)

	// CreateFlowWithHandler is like CreateFlow except the first caller runs
	// fn to resolve the flow; concurrent callers with the same id share fn's
	// result.
	CreateFlowWithHandler(ctx context.Context, id string, info FlowInfo, fn func(ctx context.Context) (*Tokens, error)) (*Tokens, error)

	// GetFlowState reports the state of a flow, if it exists.
	GetFlowState(id string) (FlowState, bool)

	// Complete resolves a pending flow with tokens.
	Complete(id string, tokens *Tokens) error

	// Fail resolves a pending flow with an error.
	Fail(id string, err error) error
}

// MemoryFlowStore is the in-process FlowStore implementation.
type MemoryFlowStore struct {
	mu     sync.Mutex
	flows  map[string]*flowEntry
	logger *zap.Logger

	// timeout bounds how long CreateFlow waits. Defaults to
	// DefaultFlowTimeout.
	timeout time.Duration
}

// NewMemoryFlowStore creates a flow store with the default wait timeout.
func NewMemoryFlowStore(logger *zap.Logger) *MemoryFlowStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryFlowStore{
		flows:   make(map[string]*flowEntry),
		logger:  logger,
		timeout: DefaultFlowTimeout,
	}
}

// SetTimeout overrides the maximum flow wait. Zero restores the default.
func (s *MemoryFlowStore) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultFlowTimeout
	}
	s.timeout = d
}

// CreateFlow implements FlowStore
func (s *MemoryFlowStore) CreateFlow(ctx context.Context, id string, info FlowInfo) (*Tokens, error) {
	entry, _ := s.getOrCreate(id, info, FlowPending)
	return s.wait(ctx, entry)
}

// CreateFlowWithHandler implements FlowStore
func (s *MemoryFlowStore) CreateFlowWithHandler(ctx context.Context, id string, info FlowInfo, fn func(ctx context.Context) (*Tokens, error)) (*Tokens, error) {
	entry, created := s.getOrCreate(id, info, FlowInProgress)
	if created {
		go func() {
			tokens, err := fn(context.Background())
			if err != nil {
				_ = s.Fail(id, err)
				return
			}
			_ = s.Complete(id, tokens)
		}()
	}
	return s.wait(ctx, entry)
}

// GetFlowState implements FlowStore
func (s *MemoryFlowStore) GetFlowState(id string) (FlowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.flows[id]
	if !ok {
		return FlowPending, false
	}
	return entry.state, true
}

// Complete implements FlowStore
func (s *MemoryFlowStore) Complete(id string, tokens *Tokens) error {
	return s.resolve(id, FlowCompleted, tokens, nil)
}

// Fail implements FlowStore
func (s *MemoryFlowStore) Fail(id string, err error) error {
	return s.resolve(id, FlowFailed, nil, err)
}

// CleanupStaleFlows fails flows older than StaleFlowTimeout and reports how
// many were cleared.
func (s *MemoryFlowStore) CleanupStaleFlows() int {
	s.mu.Lock()
	var stale []*flowEntry
	now := time.Now()
	for id, entry := range s.flows {
		if now.Sub(entry.startTime) <= StaleFlowTimeout {
			continue
		}
		delete(s.flows, id)
		if !entry.terminal() {
			entry.state = FlowFailed
			entry.err = ErrFlowTimeout
			stale = append(stale, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range stale {
		s.logger.Warn("Clearing stale authorization flow",
			zap.String("server", entry.info.Server),
			zap.String("correlation_id", entry.correlationID),
			zap.Duration("age", now.Sub(entry.startTime)))
		close(entry.done)
	}
	return len(stale)
}

func (s *MemoryFlowStore) getOrCreate(id string, info FlowInfo, initial FlowState) (entry *flowEntry, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.flows[id]; ok && !existing.terminal() {
		s.logger.Debug("Attaching to existing authorization flow",
			zap.String("server", info.Server),
			zap.String("correlation_id", existing.correlationID),
			zap.String("state", existing.state.String()))
		return existing, false
	}

	entry = &flowEntry{
		id:            id,
		correlationID: uuid.NewString(),
		info:          info,
		state:         initial,
		startTime:     time.Now(),
		done:          make(chan struct{}),
	}
	s.flows[id] = entry
	s.logger.Info("Started authorization flow",
		zap.String("server", info.Server),
		zap.String("correlation_id", entry.correlationID))
	return entry, true
}

func (s *MemoryFlowStore) wait(ctx context.Context, entry *flowEntry) (*Tokens, error) {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.tokens, nil
	case <-timer.C:
		s.logger.Warn("Timeout waiting for authorization flow",
			zap.String("server", entry.info.Server),
			zap.Duration("timeout", timeout))
		return nil, ErrFlowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryFlowStore) resolve(id string, state FlowState, tokens *Tokens, cause error) error {
	s.mu.Lock()
	entry, ok := s.flows[id]
	if ok && entry.terminal() {
		ok = false
	}
	if ok {
		entry.state = state
		entry.tokens = tokens
		entry.err = cause
	}
	s.mu.Unlock()

	if !ok {
		return ErrFlowNotFound
	}
	close(entry.done)

	s.logger.Info("Authorization flow finished",
		zap.String("server", entry.info.Server),
		zap.String("correlation_id", entry.correlationID),
		zap.String("state", state.String()),
		zap.Duration("duration", time.Since(entry.startTime)))
	return nil
}
