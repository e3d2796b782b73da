// Package mcpserver exposes the fraudwatch API as MCP tools for LLM clients.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is the MCP server version reported during initialisation.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all fraudwatch tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fraudwatch", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolRecentTransactions, h.HandleRecentTransactions)
	s.AddTool(ToolRiskSummary, h.HandleRiskSummary)

	return s
}
