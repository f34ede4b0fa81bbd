package executor

import (
	"context"

	"github.com/jamesprial/gqlwire/internal/graphql"
)

// Mutation is a mutation bound to its text. Mutations are never cached or
// deduplicated; they share the retry and partial-success policy of queries
// but default to no retry.
type Mutation[T any] struct {
	*operation[T]
}

// NewMutation binds mutation to transport. It fails when the text is empty.
func NewMutation[T any](transport graphql.Transport, mutation string, opts ...Option) (*Mutation[T], error) {
	o := defaultOptions(defaultMutationRetry)
	for _, opt := range opts {
		opt(&o)
	}
	op, err := newOperation[T](transport, mutation, "mutation", o)
	if err != nil {
		return nil, err
	}
	return &Mutation[T]{operation: op}, nil
}

// Mutate sends the mutation with vars. On server errors it returns the
// partial data, if any, together with a graphql.ErrorList.
func (m *Mutation[T]) Mutate(ctx context.Context, vars map[string]any) (*T, error) {
	req := graphql.Request{
		Query:         m.query,
		Variables:     graphql.CloneVariables(vars),
		OperationName: m.opts.operationName,
	}
	return m.execute(ctx, req, nil, false)
}
