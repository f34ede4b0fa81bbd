// Package graphql provides the request/response types and the HTTP
// transport used to execute GraphQL operations.
package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Location is a line/column pair inside the operation text.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error represents a single error returned in a GraphQL response.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ErrorList is a terminal error list surfaced to callers as an error value.
type ErrorList []Error

// Error joins the messages of l.
func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "graphql: no errors"
	case 1:
		return l[0].Message
	default:
		return fmt.Sprintf("%s (and %d more errors)", l[0].Message, len(l)-1)
	}
}

// AsError returns l as an error, or nil when the list is empty.
func (l ErrorList) AsError() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// Request is a single GraphQL operation. It is treated as immutable once
// built; Variables must not be modified after construction.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// NewRequest validates query and returns a Request. Variables are copied
// (shallowly) so later changes to the caller's map are not observed.
func NewRequest(query string, variables map[string]any, operationName string) (Request, error) {
	if strings.TrimSpace(query) == "" {
		return Request{}, fmt.Errorf("graphql: query is required")
	}
	return Request{
		Query:         query,
		Variables:     CloneVariables(variables),
		OperationName: operationName,
	}, nil
}

// CloneVariables returns a shallow copy of vars. A nil map stays nil.
func CloneVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// Result is the decoded body of a GraphQL response. Data is left raw so
// that callers decode it into their own types.
type Result struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

// HasData reports whether the result carries a non-null data member.
func (r *Result) HasData() bool {
	if r == nil {
		return false
	}
	d := strings.TrimSpace(string(r.Data))
	return d != "" && d != "null"
}

// Transport executes one GraphQL request.
type Transport interface {
	Execute(ctx context.Context, req Request, opts ...CallOption) (*Result, error)
}

// TokenSource yields the bearer credential attached to outgoing requests.
type TokenSource interface {
	Token() (string, bool)
}
