package sdkmcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/adapter/sdkchat"
	"github.com/agentz/agentz/internal/logging"
)

// toolKeySep joins a server name and tool name into the schema key
// exposed to the model (spec §4.3.d: "server__tool").
const toolKeySep = "__"

// discoveredTool remembers which server a schema-keyed tool came from,
// so a call can be routed back to the right pool entry.
type discoveredTool struct {
	server ServerConfig
	name   string
}

// Discover validates every configured server, lists tools from each
// non-OAuth, non-blacklisted one, and returns the combined tool schema
// plus a lookup from schema key back to (server, tool).
func Discover(ctx context.Context, cfg *Config, pool *Pool, logger *logging.Logger) ([]sdkchat.ToolSpec, map[string]discoveredTool, error) {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.WithFields(zap.String("component", "mcp-discovery"))

	var specs []sdkchat.ToolSpec
	lookup := make(map[string]discoveredTool)

	for _, srv := range cfg.Servers {
		if err := validateServer(ctx, srv); err != nil {
			log.Warn("skipping mcp server", zap.String("server", srv.Name), zap.Error(err))
			continue
		}

		client, err := pool.Acquire(ctx, srv)
		if err != nil {
			log.Warn("failed to acquire mcp connection", zap.String("server", srv.Name), zap.Error(err))
			continue
		}

		result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
		pool.Release(srv, client)
		if err != nil {
			log.Warn("failed to list tools", zap.String("server", srv.Name), zap.Error(err))
			continue
		}

		for _, t := range result.Tools {
			key := srv.Name + toolKeySep + t.Name
			var params map[string]any
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				_ = json.Unmarshal(raw, &params)
			}
			specs = append(specs, sdkchat.ToolSpec{Name: key, Description: t.Description, Parameters: params})
			lookup[key] = discoveredTool{server: srv, name: t.Name}
		}
	}

	return specs, lookup, nil
}
