package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/safety"
	"github.com/jamesprial/gqlwire/internal/tools"
)

const (
	toolNameQuery      = "graphql_query"
	toolNameMutate     = "graphql_mutate"
	toolNameCacheClear = "graphql_cache_clear"
	toolNameSetToken   = "graphql_set_token"
	toolNameClearToken = "graphql_clear_token"
)

// GraphQLTools returns the MCP tools that run queries and mutations through
// client and manage its cache and credential. Operation names are checked
// against queries and mutations respectively; mutations go through confirm.
func GraphQLTools(
	client *Client,
	queries, mutations *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	return []tools.Registration{
		toolGraphQLQuery(client, queries, audit),
		toolGraphQLMutate(client, mutations, confirm, audit),
		toolCacheClear(client, audit),
		toolSetToken(client, audit),
		toolClearToken(client, audit),
	}
}

// operationResult is what the query and mutation tools return: the GraphQL
// response shape, data and errors side by side.
type operationResult struct {
	Data   *json.RawMessage `json:"data"`
	Errors []graphql.Error  `json:"errors,omitempty"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func toolGraphQLQuery(client *Client, filter *safety.Filter, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameQuery,
		mcp.WithDescription("Execute a GraphQL query. Results are cached per query and variables; set refresh to bypass the cache."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The GraphQL query string to execute."),
		),
		mcp.WithString("variables",
			mcp.Description("Optional JSON object string of variables to pass with the query."),
		),
		mcp.WithString("operation_name",
			mcp.Description("Operation name to execute when the document holds several."),
		),
		mcp.WithBoolean("refresh",
			mcp.Description("Skip the cache and always reach the server."),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		query := req.GetString("query", "")
		variablesStr := req.GetString("variables", "")
		opName := req.GetString("operation_name", "")
		refresh := req.GetBool("refresh", false)

		params := map[string]any{
			"query":     query,
			"variables": variablesStr,
			"refresh":   refresh,
		}

		if err := filter.Check(opName); err != nil {
			tools.LogOperation(audit, toolNameQuery, opName, params, "denied", start)
			return tools.ErrorResult(err.Error()), nil
		}

		vars, err := tools.ParseVariables(variablesStr)
		if err != nil {
			tools.LogOperation(audit, toolNameQuery, opName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		q, err := client.Query(query, vars, WithOperationName(opName))
		if err != nil {
			tools.LogOperation(audit, toolNameQuery, opName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		defer q.Close()

		if refresh {
			err = q.Refresh(ctx)
		} else {
			err = q.Execute(ctx)
		}
		snap := q.Snapshot()
		return finish(audit, toolNameQuery, opName, params, start, snap.Data, snap.Errors, err), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func toolGraphQLMutate(client *Client, filter *safety.Filter, confirm *safety.ConfirmationTracker, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameMutate,
		mcp.WithDescription("Execute a GraphQL mutation. Mutations are never cached and may require confirmation."),
		mcp.WithString("mutation",
			mcp.Required(),
			mcp.Description("The GraphQL mutation string to execute."),
		),
		mcp.WithString("variables",
			mcp.Description("Optional JSON object string of variables to pass with the mutation."),
		),
		mcp.WithString("operation_name",
			mcp.Description("Operation name to execute when the document holds several."),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Confirmation token returned by a prior call to this tool"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		mutation := req.GetString("mutation", "")
		variablesStr := req.GetString("variables", "")
		opName := req.GetString("operation_name", "")
		token := req.GetString("confirmation_token", "")

		params := map[string]any{
			"mutation":  mutation,
			"variables": variablesStr,
		}

		if err := filter.Check(opName); err != nil {
			tools.LogOperation(audit, toolNameMutate, opName, params, "denied", start)
			return tools.ErrorResult(err.Error()), nil
		}

		vars, err := tools.ParseVariables(variablesStr)
		if err != nil {
			tools.LogOperation(audit, toolNameMutate, opName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}

		// The token is bound to this exact document and variable set.
		resource := graphql.Fingerprint(mutation, vars)
		if confirm != nil && confirm.NeedsConfirmation(toolNameMutate) && !confirm.Confirm(token, toolNameMutate, resource) {
			desc := fmt.Sprintf("This will run mutation %s with variables %s.", describeOperation(opName), variablesOrNone(variablesStr))
			return tools.ConfirmPrompt(confirm, toolNameMutate, resource, desc), nil
		}

		m, err := client.Mutation(mutation, WithOperationName(opName))
		if err != nil {
			tools.LogOperation(audit, toolNameMutate, opName, params, "error: "+err.Error(), start)
			return tools.ErrorResult(err.Error()), nil
		}
		defer m.Close()

		data, err := m.Mutate(ctx, vars)
		return finish(audit, toolNameMutate, opName, params, start, data, m.Snapshot().Errors, err), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// finish turns the outcome of a run into a tool result. A run that produced
// no data at all is reported as an error; anything else, partial results
// included, is returned in the GraphQL response shape.
func finish(audit *safety.AuditLogger, tool, opName string, params map[string]any, start time.Time, data *json.RawMessage, errs []graphql.Error, err error) *mcp.CallToolResult {
	if err != nil && data == nil {
		tools.LogOperation(audit, tool, opName, params, "error: "+err.Error(), start)
		return tools.ErrorResult(err.Error())
	}
	outcome := "ok"
	if len(errs) > 0 {
		outcome = "partial: " + graphql.ErrorList(errs).Error()
	}
	tools.LogOperation(audit, tool, opName, params, outcome, start)
	return tools.JSONResult(operationResult{Data: data, Errors: errs})
}

func describeOperation(name string) string {
	if name == "" {
		return "(anonymous)"
	}
	return fmt.Sprintf("%q", name)
}

func variablesOrNone(raw string) string {
	if raw == "" {
		return "(none)"
	}
	return raw
}

// ---------------------------------------------------------------------------
// Cache and credentials
// ---------------------------------------------------------------------------

func toolCacheClear(client *Client, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameCacheClear,
		mcp.WithDescription("Drop every cached query result and in-flight call."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		client.ClearCache()
		tools.LogAudit(audit, toolNameCacheClear, map[string]any{}, "ok", start)
		return mcp.NewToolResultText("cache cleared"), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func toolSetToken(client *Client, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameSetToken,
		mcp.WithDescription("Set the bearer token attached to GraphQL requests. Clears the cache."),
		mcp.WithString("token",
			mcp.Required(),
			mcp.Description("Bearer token"),
		),
		mcp.WithBoolean("persist",
			mcp.Description("Keep the token across restarts (default true). When false it lives only for this process."),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		token := req.GetString("token", "")
		persist := req.GetBool("persist", true)
		// The token itself never reaches the audit log.
		params := map[string]any{"persist": persist}

		if token == "" {
			tools.LogAudit(audit, toolNameSetToken, params, "error: token is required", start)
			return tools.ErrorResult("token is required"), nil
		}

		if persist {
			client.SetToken(token)
		} else {
			client.SetSessionToken(token)
		}

		tools.LogAudit(audit, toolNameSetToken, params, "ok", start)
		return mcp.NewToolResultText("token set"), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func toolClearToken(client *Client, audit *safety.AuditLogger) tools.Registration {
	tool := mcp.NewTool(toolNameClearToken,
		mcp.WithDescription("Forget the bearer token in every tier and clear the cache."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		client.Logout()
		tools.LogAudit(audit, toolNameClearToken, map[string]any{}, "ok", start)
		return mcp.NewToolResultText("token cleared"), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
