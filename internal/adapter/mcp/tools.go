package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mafa-ai/mafa-core/internal/domain/query"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.orchestrateQueryTool(),
		s.listToolServersTool(),
	)
}

func (s *Server) orchestrateQueryTool() mcpserver.ServerTool {
	t := mcplib.NewTool("orchestrate_query",
		mcplib.WithDescription("Route a natural-language financial query to the tool workers and return the aggregated results"),
		mcplib.WithString("query",
			mcplib.Required(),
			mcplib.Description("The natural-language query to orchestrate"),
		),
		mcplib.WithString("session_id",
			mcplib.Description("Session identifier for memory continuity; generated when omitted"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleOrchestrateQuery,
	}
}

func (s *Server) listToolServersTool() mcpserver.ServerTool {
	t := mcplib.NewTool("list_tool_servers",
		mcplib.WithDescription("List the worker categories and the tools each one currently advertises"),
	)
	return mcpserver.ServerTool{
		Tool:    t,
		Handler: s.handleListToolServers,
	}
}

func (s *Server) handleOrchestrateQuery(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	text, ok := args["query"].(string)
	if !ok || text == "" {
		return mcplib.NewToolResultError("query is required"), nil
	}
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	q := query.New(uuid.NewString(), sessionID, "", text)
	resp, err := s.dispatcher.HandleQuery(ctx, q)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("query failed", err), nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal response", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func (s *Server) handleListToolServers(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	catalog := s.catalog.Catalog()

	type server struct {
		Category  tool.Category     `json:"category"`
		Available bool              `json:"available"`
		Tools     []tool.Capability `json:"tools,omitempty"`
	}
	servers := make([]server, 0, len(s.catalog.Categories()))
	for _, cat := range s.catalog.Categories() {
		caps, available := catalog[cat]
		servers = append(servers, server{Category: cat, Available: available, Tools: caps})
	}

	data, err := json.Marshal(map[string]any{"servers": servers})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal servers", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
