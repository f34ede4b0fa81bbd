// Package tools holds what the MCP tool packages share: the registration
// pair, result builders, variable parsing and audit helpers.
package tools

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Registration pairs an MCP tool definition with its handler function.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every registration of every group to s and returns how
// many were added. A later tool with an existing name replaces the earlier.
func RegisterAll(s *server.MCPServer, groups ...[]Registration) int {
	n := 0
	for _, regs := range groups {
		for _, r := range regs {
			s.AddTool(r.Tool, r.Handler)
			n++
		}
	}
	return n
}

// Names lists the tool names of regs in order.
func Names(regs []Registration) []string {
	names := make([]string, 0, len(regs))
	for _, r := range regs {
		names = append(names, r.Tool.Name)
	}
	return names
}
