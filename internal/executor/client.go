package executor

import (
	"encoding/json"

	"github.com/benbjohnson/clock"
	"github.com/jensneuse/abstractlogger"

	"github.com/jamesprial/gqlwire/internal/cache"
	"github.com/jamesprial/gqlwire/internal/config"
	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/metrics"
)

// Credentials is the part of the token provider the client needs.
type Credentials interface {
	graphql.TokenSource
	Set(token string)
	SetSession(token string)
	Clear()
}

// Client ties a transport, a shared cache and a credential store to the
// execution policy of a GraphQLConfig. Typed operations are built with
// NewQuery/NewMutation and the client's option sets.
type Client struct {
	transport graphql.Transport
	cache     *cache.Cache
	tokens    Credentials
	cfg       config.GraphQLConfig
	clock     clock.Clock
	log       abstractlogger.Logger
	metrics   *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(c *Client)

// WithClientClock sets the clock handed to every operation the client builds.
func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithClientLogger sets the logger handed to every operation.
func WithClientLogger(log abstractlogger.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithClientMetrics sets the collectors handed to every operation.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient returns a Client. c may be nil when cfg.Cache is false; tokens
// may be nil when no credential is managed.
func NewClient(transport graphql.Transport, c *cache.Cache, tokens Credentials, cfg config.GraphQLConfig, opts ...ClientOption) *Client {
	cl := &Client{
		transport: transport,
		cache:     c,
		tokens:    tokens,
		cfg:       cfg,
		clock:     clock.New(),
		log:       abstractlogger.NoopLogger,
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Transport returns the underlying transport.
func (c *Client) Transport() graphql.Transport { return c.transport }

func (c *Client) common() []Option {
	return []Option{
		WithTimeout(c.cfg.Timeout),
		WithRetryDelay(c.cfg.RetryDelay),
		WithRetryOnServerErrors(c.cfg.RetryOnServerErrors),
		WithClock(c.clock),
		WithLogger(c.log),
		WithMetrics(c.metrics),
	}
}

// QueryOptions returns the options derived from the configuration for
// queries, including the shared cache when caching is enabled.
func (c *Client) QueryOptions() []Option {
	opts := append(c.common(),
		WithRetry(c.cfg.Retry),
		WithImmediate(c.cfg.Immediate),
	)
	if c.cfg.CacheTTL > 0 {
		opts = append(opts, WithTTL(c.cfg.CacheTTL))
	}
	if c.cfg.Cache && c.cache != nil {
		opts = append(opts, WithCache(c.cache))
	}
	return opts
}

// MutationOptions returns the configured mutation defaults. Mutations
// never receive the cache.
func (c *Client) MutationOptions() []Option {
	return append(c.common(), WithRetry(c.cfg.MutationRetry))
}

// Query builds an untyped query whose data is the raw JSON document.
func (c *Client) Query(query string, vars map[string]any, extra ...Option) (*Query[json.RawMessage], error) {
	return NewQuery[json.RawMessage](c.transport, query, vars, append(c.QueryOptions(), extra...)...)
}

// Mutation builds an untyped mutation whose data is the raw JSON document.
func (c *Client) Mutation(mutation string, extra ...Option) (*Mutation[json.RawMessage], error) {
	return NewMutation[json.RawMessage](c.transport, mutation, append(c.MutationOptions(), extra...)...)
}

// ClearCache drops every cached result and in-flight call.
func (c *Client) ClearCache() {
	if c.cache != nil {
		c.cache.ClearAll()
	}
}

// SetToken rotates the credential. Cached results belong to the previous
// identity and are dropped.
func (c *Client) SetToken(token string) {
	if c.tokens != nil {
		c.tokens.Set(token)
	}
	c.ClearCache()
}

// SetSessionToken is SetToken for a credential that must not outlive the
// process.
func (c *Client) SetSessionToken(token string) {
	if c.tokens != nil {
		c.tokens.SetSession(token)
	}
	c.ClearCache()
}

// Logout clears the credential from every tier and empties the cache.
func (c *Client) Logout() {
	if c.tokens != nil {
		c.tokens.Clear()
	}
	c.ClearCache()
	c.log.Info("executor: credentials cleared")
}
