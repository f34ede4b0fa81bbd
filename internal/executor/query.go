// Package executor runs one-shot GraphQL queries and mutations with
// caching, in-flight deduplication and bounded linear-backoff retry, and
// publishes their outcome as an observable State.
package executor

import (
	"context"

	"github.com/jamesprial/gqlwire/internal/graphql"
)

// Query is a query bound to its text and current variables.
type Query[T any] struct {
	*operation[T]
	vars map[string]any
}

// NewQuery returns a Query for query with the initial variables vars. It
// performs no network call; use Start or Execute.
func NewQuery[T any](transport graphql.Transport, query string, vars map[string]any, opts ...Option) (*Query[T], error) {
	o := defaultOptions(defaultQueryRetry)
	for _, opt := range opts {
		opt(&o)
	}
	op, err := newOperation[T](transport, query, "query", o)
	if err != nil {
		return nil, err
	}
	return &Query[T]{operation: op, vars: graphql.CloneVariables(vars)}, nil
}

// Start executes the query when it was built with immediate execution,
// which is the default, and is a no-op otherwise.
func (q *Query[T]) Start(ctx context.Context) error {
	if !q.opts.immediate {
		return nil
	}
	return q.Execute(ctx)
}

// Execute runs the query, blocking through any retries. A valid cache
// entry is published without a network call.
func (q *Query[T]) Execute(ctx context.Context) error {
	_, err := q.execute(ctx, q.request(), q.opts.cache, false)
	return err
}

// Refetch re-runs the query. The cache is still consulted.
func (q *Query[T]) Refetch(ctx context.Context) error {
	return q.Execute(ctx)
}

// Refresh drops the cached result and any in-flight call for the current
// variables, then runs the query, so it always reaches the network.
func (q *Query[T]) Refresh(ctx context.Context) error {
	_, err := q.execute(ctx, q.request(), q.opts.cache, true)
	return err
}

// SetVariables records new variables. When they change the fingerprint
// and the query is not loading, the query runs again; an operation already
// in flight is never interrupted.
func (q *Query[T]) SetVariables(ctx context.Context, vars map[string]any) error {
	q.mu.Lock()
	changed := graphql.Fingerprint(q.query, vars) != graphql.Fingerprint(q.query, q.vars)
	q.vars = graphql.CloneVariables(vars)
	loading := q.state.Loading
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !changed || loading {
		return nil
	}
	return q.Execute(ctx)
}

// Variables returns a copy of the current variables.
func (q *Query[T]) Variables() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return graphql.CloneVariables(q.vars)
}

func (q *Query[T]) request() graphql.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return graphql.Request{
		Query:         q.query,
		Variables:     graphql.CloneVariables(q.vars),
		OperationName: q.opts.operationName,
	}
}
