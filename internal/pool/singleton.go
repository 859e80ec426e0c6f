package pool

import (
	"context"
	"errors"
	"sync"

	"mcppool-go/internal/config"
)

var (
	instanceMu sync.Mutex
	instance   *Manager
)

// ErrAlreadyInitialized rejects a second Initialize; server connections are
// expensive and shared, so the process carries exactly one manager.
var ErrAlreadyInitialized = errors.New("pool manager already initialized")

// ErrNotInitialized means GetInstance ran before Initialize.
var ErrNotInitialized = errors.New("pool manager not initialized")

// Initialize builds the process-wide manager, installs it and connects the
// configured servers.
func Initialize(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	instanceMu.Lock()
	if instance != nil {
		instanceMu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	m, err := New(cfg, opts...)
	if err != nil {
		instanceMu.Unlock()
		return nil, err
	}
	instance = m
	instanceMu.Unlock()

	m.StartServers(ctx)
	return m, nil
}

// GetInstance returns the installed manager and kicks off an idle
// reclamation pass in the background. currentUser is exempt from
// user-level reclamation on this pass.
func GetInstance(currentUser string) (*Manager, error) {
	instanceMu.Lock()
	m := instance
	instanceMu.Unlock()
	if m == nil {
		return nil, ErrNotInitialized
	}
	go m.reapIdle(currentUser)
	return m, nil
}

// Destroy shuts the singleton down and uninstalls it. Safe to call when
// nothing is installed.
func Destroy(ctx context.Context) {
	instanceMu.Lock()
	m := instance
	instance = nil
	instanceMu.Unlock()
	if m != nil {
		m.Shutdown(ctx)
	}
}
