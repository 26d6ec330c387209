// Package mcpgw exposes the backend-facing tool gateway: an MCP server whose
// JSON-RPC traffic arrives either multiplexed on the session connection or
// over a dedicated endpoint. The MCP protocol itself (initialize, tools/list,
// tools/call, ping, error envelopes) is handled by the official Go SDK; this
// package contributes the two transports and the serving lifecycle.
package mcpgw

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Gateway owns the MCP server and serves it over one or more transports.
// Tools are registered before the first Serve call; the registry is not
// mutated afterwards.
type Gateway struct {
	server *mcp.Server
	log    *slog.Logger
}

// New creates a gateway with an empty tool registry.
func New(version string) *Gateway {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "homespeak", Version: version},
		nil,
	)
	return &Gateway{
		server: server,
		log:    slog.With("component", "mcpgw"),
	}
}

// Server returns the underlying MCP server for tool registration.
func (g *Gateway) Server() *mcp.Server { return g.server }

// Serve runs one session of the MCP server over the given transport,
// blocking until the transport closes or ctx is cancelled. Both framings are
// served concurrently by calling Serve once per transport; each gets its own
// SDK session over the shared registry.
func (g *Gateway) Serve(ctx context.Context, t mcp.Transport) error {
	g.log.Info("tool gateway session starting")
	if err := g.server.Run(ctx, t); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcpgw: serve: %w", err)
	}
	return nil
}
