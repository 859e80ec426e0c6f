package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name string
		from ConnectionState
		to   ConnectionState
		ok   bool
	}{
		{"disconnected to connecting", StateDisconnected, StateConnecting, true},
		{"disconnected to connected skips handshake", StateDisconnected, StateConnected, false},
		{"connecting to connected", StateConnecting, StateConnected, true},
		{"connecting to error", StateConnecting, StateError, true},
		{"connecting to disconnected", StateConnecting, StateDisconnected, true},
		{"connected to reconnecting", StateConnected, StateReconnecting, true},
		{"connected to disconnected", StateConnected, StateDisconnected, true},
		{"connected to connecting", StateConnected, StateConnecting, false},
		{"reconnecting to connecting", StateReconnecting, StateConnecting, true},
		{"error to reconnecting", StateError, StateReconnecting, true},
		{"error to connecting", StateError, StateConnecting, true},
		{"error to connected skips handshake", StateError, StateConnected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStateManager()
			m.currentState = tt.from
			assert.Equal(t, tt.ok, m.TransitionTo(tt.to))
			if tt.ok {
				assert.Equal(t, tt.to, m.State())
			} else {
				assert.Equal(t, tt.from, m.State())
			}
		})
	}
}

func TestSameStateTransitionAllowed(t *testing.T) {
	m := NewStateManager()
	assert.True(t, m.TransitionTo(StateDisconnected))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestRetryCountTracksFailures(t *testing.T) {
	m := NewStateManager()
	require.True(t, m.TransitionTo(StateConnecting))
	require.True(t, m.TransitionToError(errors.New("dial failed")))
	assert.Equal(t, 1, m.RetryCount())
	assert.EqualError(t, m.LastError(), "dial failed")

	require.True(t, m.TransitionTo(StateReconnecting))
	require.True(t, m.TransitionTo(StateConnecting))
	require.True(t, m.TransitionToError(errors.New("dial failed again")))
	assert.Equal(t, 2, m.RetryCount())

	// A successful connect clears the failure bookkeeping.
	require.True(t, m.TransitionTo(StateReconnecting))
	require.True(t, m.TransitionTo(StateConnecting))
	require.True(t, m.TransitionTo(StateConnected))
	assert.Zero(t, m.RetryCount())
	assert.NoError(t, m.LastError())
}

func TestStateChangeCallback(t *testing.T) {
	m := NewStateManager()
	type change struct {
		from, to ConnectionState
	}
	var changes []change
	m.SetStateChangeCallback(func(oldState, newState ConnectionState, _ error) {
		changes = append(changes, change{oldState, newState})
	})

	require.True(t, m.TransitionTo(StateConnecting))
	require.True(t, m.TransitionTo(StateConnected))
	// Same-state transitions do not fire the callback.
	require.True(t, m.TransitionTo(StateConnected))

	require.Len(t, changes, 2)
	assert.Equal(t, change{StateDisconnected, StateConnecting}, changes[0])
	assert.Equal(t, change{StateConnecting, StateConnected}, changes[1])
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

func TestReconnectBackoff(t *testing.T) {
	assert.Equal(t, time.Second, reconnectBackoff(0))
	assert.Equal(t, 2*time.Second, reconnectBackoff(1))
	assert.Equal(t, 4*time.Second, reconnectBackoff(2))
	assert.Equal(t, 8*time.Second, reconnectBackoff(3))
	assert.Equal(t, 16*time.Second, reconnectBackoff(4))
	assert.Equal(t, 30*time.Second, reconnectBackoff(5))
	assert.Equal(t, 30*time.Second, reconnectBackoff(10))
}
