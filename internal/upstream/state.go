// Package upstream manages a single client connection to an upstream MCP
// server: connecting, the initialize handshake, session tracking, automatic
// reconnection and tool invocation.
package upstream

import (
	"sync"
	"time"
)

// ConnectionState represents the lifecycle state of a connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions defines the legal state machine edges.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateReconnecting, StateError},
	StateReconnecting: {StateConnecting, StateDisconnected, StateError},
	StateError:        {StateConnecting, StateReconnecting, StateDisconnected},
}

// StateChangeCallback is invoked after each state transition, outside the
// state lock.
type StateChangeCallback func(oldState, newState ConnectionState, err error)

// StateManager guards connection state and enforces legal transitions.
type StateManager struct {
	mu            sync.RWMutex
	currentState  ConnectionState
	lastError     error
	lastStateTime time.Time
	retryCount    int

	onStateChange StateChangeCallback
}

// NewStateManager starts in the disconnected state.
func NewStateManager() *StateManager {
	return &StateManager{
		currentState:  StateDisconnected,
		lastStateTime: time.Now(),
	}
}

// SetStateChangeCallback registers the transition callback.
func (m *StateManager) SetStateChangeCallback(cb StateChangeCallback) {
	m.mu.Lock()
	m.onStateChange = cb
	m.mu.Unlock()
}

// State returns the current state.
func (m *StateManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// LastError returns the error recorded with the most recent failure.
func (m *StateManager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RetryCount returns the consecutive failure count.
func (m *StateManager) RetryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount
}

// TransitionTo moves to the new state if the edge is legal. The callback
// fires outside the lock.
func (m *StateManager) TransitionTo(newState ConnectionState) bool {
	return m.transition(newState, nil)
}

// TransitionToError moves to the error state, records the cause and bumps
// the retry count.
func (m *StateManager) TransitionToError(err error) bool {
	return m.transition(StateError, err)
}

func (m *StateManager) transition(newState ConnectionState, cause error) bool {
	m.mu.Lock()
	oldState := m.currentState
	if oldState != newState && !isValidTransition(oldState, newState) {
		m.mu.Unlock()
		return false
	}
	m.currentState = newState
	m.lastStateTime = time.Now()
	if newState == StateError {
		m.lastError = cause
		m.retryCount++
	} else if newState == StateConnected {
		m.lastError = nil
		m.retryCount = 0
	}
	cb := m.onStateChange
	m.mu.Unlock()

	if cb != nil && oldState != newState {
		cb(oldState, newState, cause)
	}
	return true
}

// ResetRetries clears the consecutive failure count.
func (m *StateManager) ResetRetries() {
	m.mu.Lock()
	m.retryCount = 0
	m.mu.Unlock()
}

func isValidTransition(from, to ConnectionState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
