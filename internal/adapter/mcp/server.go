// Package mcp exposes the orchestrator itself as a Model Context Protocol
// server over stdio, so MCP-capable clients can submit queries and inspect
// the worker catalog.
package mcp

import (
	"context"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	httpadapter "github.com/mafa-ai/mafa-core/internal/adapter/http"
)

// Server wraps an mcp-go stdio server around the dispatcher.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	dispatcher httpadapter.QueryRunner
	catalog    httpadapter.CatalogSource
}

// NewServer builds the MCP server and registers its tools.
func NewServer(version string, dispatcher httpadapter.QueryRunner, catalog httpadapter.CatalogSource) *Server {
	s := &Server{
		mcpServer:  mcpserver.NewMCPServer("mafa-core", version),
		dispatcher: dispatcher,
		catalog:    catalog,
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the client
// disconnects or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	slog.Info("mcp server listening on stdio")
	return mcpserver.ServeStdio(s.mcpServer, mcpserver.WithStdioContextFunc(
		func(context.Context) context.Context { return ctx },
	))
}
