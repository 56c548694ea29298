// Package mcpserver exposes the notes service as MCP tools over stdio.
//
// Each tool follows the same shape:
// - a struct holding the service, injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Tool failures are reported as tool errors, never as protocol errors.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"ragnotes/internal/service"
)

// New builds an MCP server with every block tool registered.
func New(svc *service.Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"ragnotes",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	searchTool := NewSearchTool(svc)
	s.AddTool(searchTool.Definition(), searchTool.Handle)

	getTool := NewGetTool(svc)
	s.AddTool(getTool.Definition(), getTool.Handle)

	similarTool := NewSimilarTool(svc)
	s.AddTool(similarTool.Definition(), similarTool.Handle)

	contextTool := NewContextTool(svc)
	s.AddTool(contextTool.Definition(), contextTool.Handle)

	idTool := NewIDTool(svc)
	s.AddTool(idTool.Definition(), idTool.Handle)

	return s
}

const instructions = "Notes are organized as blocks written [content]^id. " +
	"Use block_search to find blocks, block_get to read one, block_similar for semantic matches, " +
	"context_build to assemble everything relevant to a query, and block_new_id before writing a new block."

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}
