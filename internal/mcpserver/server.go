package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all fraudshield tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fraudshield", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAssessTransaction, h.HandleAssessTransaction)
	s.AddTool(ToolCheckRules, h.HandleCheckRules)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolFraudStats, h.HandleFraudStats)

	return s
}
