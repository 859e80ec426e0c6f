package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcppool-go/internal/metrics"
	"mcppool-go/internal/upstream"
)

// reapIdle runs one reclamation pass: threads idle past the thread limit
// are torn down, and users other than currentUser idle past the user limit
// lose all their threads. Fired on GetInstance and never blocks callers.
func (m *Manager) reapIdle(currentUser string) {
	now := m.now()
	threadLimit := m.cfg.ThreadIdleTimeout.Std()
	userLimit := m.cfg.UserIdleTimeout.Std()

	m.mu.RLock()
	var staleThreads []string
	for threadID, last := range m.threadLastActivity {
		if now.Sub(last) > threadLimit {
			staleThreads = append(staleThreads, threadID)
		}
	}
	var staleUsers []string
	for user, last := range m.userLastActivity {
		if user == currentUser {
			continue
		}
		if now.Sub(last) > userLimit {
			staleUsers = append(staleUsers, user)
		}
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, threadID := range staleThreads {
		m.logger.Info("Reclaiming idle thread", zap.String("thread", threadID))
		m.disconnectThreadConnections(ctx, threadID)
		metrics.ThreadsReaped.Inc()
	}
	for _, user := range staleUsers {
		m.logger.Info("Reclaiming idle user", zap.String("user", user))
		m.disconnectUserThreads(ctx, user)
		metrics.UsersReaped.Inc()
	}
}

// disconnectThreadConnections removes a thread from every index and closes
// its connections concurrently. Close failures are logged, not propagated.
func (m *Manager) disconnectThreadConnections(ctx context.Context, threadID string) {
	m.mu.Lock()
	conns := m.threadConnections[threadID]
	delete(m.threadConnections, threadID)
	delete(m.threadLastActivity, threadID)
	for user, threads := range m.userThreads {
		if _, ok := threads[threadID]; ok {
			delete(threads, threadID)
			if len(threads) == 0 {
				delete(m.userThreads, user)
			}
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(name string, conn *upstream.Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("Failed to disconnect thread connection",
					zap.String("server", name),
					zap.String("thread", threadID),
					zap.Error(err))
			}
			metrics.ConnectionsActive.WithLabelValues("thread").Dec()
		}(name, conn)
	}
	wg.Wait()
}

// disconnectUserThreads tears down every thread the user owns and drops the
// user's activity record.
func (m *Manager) disconnectUserThreads(ctx context.Context, userID string) {
	m.mu.Lock()
	threads := make([]string, 0, len(m.userThreads[userID]))
	for threadID := range m.userThreads[userID] {
		threads = append(threads, threadID)
	}
	delete(m.userLastActivity, userID)
	m.mu.Unlock()

	for _, threadID := range threads {
		m.disconnectThreadConnections(ctx, threadID)
	}
}

// DisconnectAll tears down all thread scopes, clears the activity indexes
// and disconnects every process-scope connection concurrently. Idempotent;
// errors are logged and swallowed.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	threadIDs := make([]string, 0, len(m.threadConnections))
	for threadID := range m.threadConnections {
		threadIDs = append(threadIDs, threadID)
	}
	m.mu.Unlock()
	for _, threadID := range threadIDs {
		m.disconnectThreadConnections(ctx, threadID)
	}

	m.mu.Lock()
	m.threadLastActivity = make(map[string]time.Time)
	m.userLastActivity = make(map[string]time.Time)
	m.userThreads = make(map[string]map[string]struct{})
	procs := make(map[string]*upstream.Connection, len(m.processConnections))
	for name, conn := range m.processConnections {
		procs[name] = conn
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, conn := range procs {
		wg.Add(1)
		go func(name string, conn *upstream.Connection) {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				m.logger.Warn("Failed to disconnect process connection",
					zap.String("server", name),
					zap.Error(err))
			}
		}(name, conn)
	}
	wg.Wait()
}
