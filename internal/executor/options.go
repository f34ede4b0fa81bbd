package executor

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jensneuse/abstractlogger"

	"github.com/jamesprial/gqlwire/internal/cache"
	"github.com/jamesprial/gqlwire/internal/metrics"
)

const (
	defaultQueryRetry    = 1
	defaultMutationRetry = 0
	defaultRetryDelay    = time.Second
)

type options struct {
	cache               *cache.Cache
	operationName       string
	timeout             time.Duration
	retry               int
	retryDelay          time.Duration
	immediate           bool
	ttl                 time.Duration
	retryOnServerErrors bool
	clock               clock.Clock
	log                 abstractlogger.Logger
	metrics             *metrics.Metrics
}

func defaultOptions(retry int) options {
	return options{
		retry:      retry,
		retryDelay: defaultRetryDelay,
		immediate:  true,
		ttl:        cache.DefaultTTL,
		clock:      clock.New(),
		log:        abstractlogger.NoopLogger,
	}
}

// Option configures a Query or a Mutation.
type Option func(o *options)

// WithCache enables result caching and in-flight deduplication through c.
// Without it every run goes to the network. Mutations ignore it.
func WithCache(c *cache.Cache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithOperationName sets the operationName member of every request.
func WithOperationName(name string) Option {
	return func(o *options) {
		o.operationName = name
	}
}

// WithTimeout bounds each transport attempt. Zero keeps the transport's
// own default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithRetry sets how many attempts may follow the first one.
func WithRetry(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retry = n
		}
	}
}

// WithRetryDelay sets the base of the linear backoff: attempt k waits
// k*d before it starts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithImmediate controls whether Start runs the query.
func WithImmediate(v bool) Option {
	return func(o *options) {
		o.immediate = v
	}
}

// WithTTL sets how long a successful response stays in the cache.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// WithRetryOnServerErrors makes a response carrying an errors array count
// as a failed attempt while retry budget remains. The last attempt's
// errors are published as usual.
func WithRetryOnServerErrors(v bool) Option {
	return func(o *options) {
		o.retryOnServerErrors = v
	}
}

// WithClock replaces the clock that times retry waits and cache expiry.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithLogger sets the operation logger.
func WithLogger(log abstractlogger.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics counts scheduled retries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
