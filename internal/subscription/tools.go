package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/gqlwire/internal/safety"
	"github.com/jamesprial/gqlwire/internal/tools"
)

// SubscriptionTools returns the MCP tools that open, poll and close
// subscriptions held in reg. Operation names are checked against filter.
func SubscriptionTools(reg *Registry, filter *safety.Filter, audit *safety.AuditLogger) []tools.Registration {
	return []tools.Registration{
		subscribeTool(reg, filter, audit),
		pollTool(reg, audit),
		unsubscribeTool(reg, audit),
		listTool(reg),
	}
}

func subscribeTool(reg *Registry, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	const toolName = "graphql_subscribe"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Start a GraphQL subscription over graphql-ws. Returns a handle for graphql_subscription_poll."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Subscription document"),
		),
		mcp.WithString("variables",
			mcp.Description("Variables as a JSON object"),
		),
		mcp.WithString("operation_name",
			mcp.Description("Operation name, checked against the query allow/deny lists"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		query := req.GetString("query", "")
		opName := req.GetString("operation_name", "")
		params := map[string]any{"operation_name": opName}

		if err := filter.Check(opName); err != nil {
			tools.LogOperation(audit, toolName, opName, params, "denied", start)
			return tools.ErrorResult(err.Error()), nil
		}

		vars, err := tools.ParseVariables(req.GetString("variables", ""))
		if err != nil {
			tools.LogOperation(audit, toolName, opName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		params["variables"] = vars

		handle, err := reg.Subscribe(query, vars, opName)
		if err != nil {
			tools.LogOperation(audit, toolName, opName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		params["handle"] = handle
		tools.LogOperation(audit, toolName, opName, params, "ok", start)
		return tools.JSONResult(map[string]string{"handle": handle}), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func pollTool(reg *Registry, audit *safety.AuditLogger) tools.Registration {
	const toolName = "graphql_subscription_poll"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Return the current state of a subscription: phase, latest data and errors."),
		mcp.WithString("handle",
			mcp.Required(),
			mcp.Description("Handle returned by graphql_subscribe"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		handle := req.GetString("handle", "")
		params := map[string]any{"handle": handle}

		ch, err := reg.Get(handle)
		if err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return tools.JSONResult(ch.Snapshot()), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func unsubscribeTool(reg *Registry, audit *safety.AuditLogger) tools.Registration {
	const toolName = "graphql_unsubscribe"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Stop a subscription and close its connection."),
		mcp.WithString("handle",
			mcp.Required(),
			mcp.Description("Handle returned by graphql_subscribe"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		handle := req.GetString("handle", "")
		params := map[string]any{"handle": handle}

		if err := reg.Unsubscribe(handle); err != nil {
			tools.LogAudit(audit, toolName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		tools.LogAudit(audit, toolName, params, "ok", start)
		return mcp.NewToolResultText(fmt.Sprintf("subscription %q closed", handle)), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func listTool(reg *Registry) tools.Registration {
	tool := mcp.NewTool("graphql_subscriptions",
		mcp.WithDescription("List the handles of open subscriptions."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return tools.JSONResult(reg.Handles()), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
