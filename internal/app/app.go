// Package app assembles the transport stack described by a Config: logger,
// metrics, credential tiers, HTTP transport, request cache, executor client
// and subscription registry. Both binaries build on it.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jensneuse/abstractlogger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jamesprial/gqlwire/internal/cache"
	"github.com/jamesprial/gqlwire/internal/config"
	"github.com/jamesprial/gqlwire/internal/executor"
	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/metrics"
	"github.com/jamesprial/gqlwire/internal/subscription"
	"github.com/jamesprial/gqlwire/internal/token"
)

// NewLogger builds a zap production logger at level and the
// abstractlogger view of it handed to library components.
func NewLogger(level string) (*zap.Logger, abstractlogger.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return zl, abstractlogger.NewZapLogger(zl, abstractLevel(lvl)), nil
}

func abstractLevel(l zapcore.Level) abstractlogger.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return abstractlogger.DebugLevel
	case l == zapcore.InfoLevel:
		return abstractlogger.InfoLevel
	case l == zapcore.WarnLevel:
		return abstractlogger.WarnLevel
	default:
		return abstractlogger.ErrorLevel
	}
}

// Stack is the assembled transport core.
type Stack struct {
	Config    *config.Config
	Log       abstractlogger.Logger
	Metrics   *metrics.Metrics
	Tokens    *token.Provider
	Transport *graphql.HTTPClient
	Cache     *cache.Cache
	Client    *executor.Client
	// Subscriptions is nil when the subscription URL could not be derived.
	Subscriptions *subscription.Registry

	store *token.BoltStore
}

type buildOptions struct {
	log      abstractlogger.Logger
	registry prometheus.Registerer
	dialer   subscription.Dialer
}

// Option configures Build.
type Option func(o *buildOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(log abstractlogger.Logger) Option {
	return func(o *buildOptions) {
		o.log = log
	}
}

// WithRegisterer registers the collectors with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) {
		o.registry = reg
	}
}

// WithDialer replaces the WebSocket dialer used by subscriptions.
func WithDialer(d subscription.Dialer) Option {
	return func(o *buildOptions) {
		o.dialer = d
	}
}

// Build validates cfg and wires the stack. The durable token tier is
// opened at cfg.Token.Path; an empty path keeps only the session tier.
func Build(cfg *config.Config, opts ...Option) (*Stack, error) {
	o := buildOptions{log: abstractlogger.NoopLogger, dialer: subscription.WSDialer{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Stack{
		Config:  cfg,
		Log:     o.log,
		Metrics: metrics.New(o.registry),
	}

	var durable token.Store
	if cfg.Token.Path != "" {
		store, err := token.OpenBoltStore(cfg.Token.Path)
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		s.store = store
		durable = store
	}
	s.Tokens = token.NewProvider(durable, nil, token.WithLogger(o.log))

	transport, err := graphql.NewHTTPClient(cfg.GraphQL,
		graphql.WithTokenSource(s.Tokens),
		graphql.WithLogger(o.log),
		graphql.WithMetrics(s.Metrics),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Transport = transport

	s.Cache = cache.New(cache.WithMetrics(s.Metrics))
	s.Client = executor.NewClient(transport, s.Cache, s.Tokens, cfg.GraphQL,
		executor.WithClientLogger(o.log),
		executor.WithClientMetrics(s.Metrics),
	)

	wsURL, err := SubscriptionURL(cfg.GraphQL)
	if err != nil {
		o.log.Warn("app: subscriptions disabled", abstractlogger.Error(err))
		return s, nil
	}
	subOpts := []subscription.Option{
		subscription.WithPolicy(cfg.Subscription),
		subscription.WithTokenSource(s.Tokens),
		subscription.WithLogger(o.log),
		subscription.WithMetrics(s.Metrics),
	}
	for k, v := range cfg.GraphQL.Headers {
		subOpts = append(subOpts, subscription.WithHeader(k, v))
	}
	s.Subscriptions = subscription.NewRegistry(o.dialer, wsURL, subOpts...)
	return s, nil
}

// SubscriptionURL returns the configured subscription endpoint, or the
// query endpoint with its scheme switched to ws/wss.
func SubscriptionURL(cfg config.GraphQLConfig) (string, error) {
	if cfg.SubscriptionEndpoint != "" {
		return subscription.WebSocketURL(cfg.SubscriptionEndpoint)
	}
	return subscription.WebSocketURL(cfg.Endpoint)
}

// Close stops every subscription and releases the token store.
func (s *Stack) Close() error {
	if s.Subscriptions != nil {
		s.Subscriptions.Close()
	}
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close token store: %w", err))
		}
	}
	return errors.Join(errs...)
}
