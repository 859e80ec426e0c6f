package pool

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"mcppool-go/internal/upstream"
)

// MapAvailableTools projects every healthy server's tools into out under
// the namespaced key "<tool><delimiter><server>". Unhealthy servers are
// revived first unless reconnect is false. Per-server failures are logged
// and the rest of the servers still contribute.
func (m *Manager) MapAvailableTools(ctx context.Context, out map[string]upstream.ToolMetadata, reconnect bool) {
	delim := m.cfg.ToolNameDelimiter
	for _, name := range m.ServerNames() {
		conn, ok := m.ProcessConnection(name)
		if !ok {
			continue
		}
		if !conn.IsConnected(ctx) {
			if !reconnect {
				m.logger.Debug("Skipping disconnected server",
					zap.String("server", name))
				continue
			}
			if err := conn.Refresh(ctx); err != nil {
				m.logger.Warn("Skipping server that failed to reconnect",
					zap.String("server", name),
					zap.Error(err))
				continue
			}
		}
		for _, tool := range conn.ListTools(ctx) {
			out[tool.Name+delim+name] = tool
		}
	}
}

// LoadManifestTools returns the namespaced tool manifest across all
// process-scope servers, sorted by name.
func (m *Manager) LoadManifestTools(ctx context.Context) []upstream.ToolMetadata {
	byName := make(map[string]upstream.ToolMetadata)
	m.MapAvailableTools(ctx, byName, true)

	tools := make([]upstream.ToolMetadata, 0, len(byName))
	for namespaced, tool := range byName {
		tool.Name = namespaced
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}
