// Package cache holds the response cache and the in-flight call map shared
// by every executor built on the same Cache instance.
//
// Expired entries are not evicted by Lookup; they stay in the map until
// they are overwritten, invalidated or cleared. The map is bounded by the
// number of distinct operations a process issues.
package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/metrics"
)

// DefaultTTL is the lifetime of a stored query result.
const DefaultTTL = 300 * time.Second

// Factory performs the call that an in-flight entry stands for.
type Factory func(ctx context.Context) (*graphql.Result, error)

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) validAt(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache struct {
	clock   clock.Clock
	metrics *metrics.Metrics

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]uint64
	gen      uint64
}

// Option configures a Cache.
type Option func(c *Cache)

// WithClock replaces the wall clock used for TTL checks.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithMetrics counts lookups and in-flight joins on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		clock:    clock.New(),
		entries:  make(map[string]entry),
		inflight: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns a copy of the value stored under key if it is still valid.
func (c *Cache) Lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	if !ok || !e.validAt(c.clock.Now()) {
		c.metrics.CacheMiss()
		return nil, false
	}
	c.metrics.CacheHit()
	return bytes.Clone(e.value), true
}

// Store overwrites the entry for key. A non-positive ttl stores an entry
// that is never valid.
func (c *Cache) Store(key string, value []byte, ttl time.Duration) {
	e := entry{value: bytes.Clone(value), storedAt: c.clock.Now(), ttl: ttl}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Invalidate removes the entry for key and forgets any in-flight call, so
// the next GetOrCreateInFlight starts a new one. Callers already attached
// to the forgotten call still receive its outcome.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	delete(c.inflight, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// ClearAll empties the response cache and forgets every in-flight call.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.inflight))
	for k := range c.inflight {
		keys = append(keys, k)
	}
	c.entries = make(map[string]entry)
	c.inflight = make(map[string]uint64)
	c.mu.Unlock()

	for _, k := range keys {
		c.group.Forget(k)
	}
}

// InFlight reports whether a call for key is currently running.
func (c *Cache) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// GetOrCreateInFlight attaches to the running call for key or, when there
// is none, invokes factory exactly once and registers the call until it
// settles. joined reports whether the outcome came from a call started by
// another caller.
//
// The factory runs detached from ctx cancellation so one caller giving up
// does not fail the call for the others; ctx only bounds how long this
// caller waits.
func (c *Cache) GetOrCreateInFlight(ctx context.Context, key string, factory Factory) (res *graphql.Result, joined bool, err error) {
	detached := context.WithoutCancel(ctx)
	invoked := make(chan struct{})

	ch := c.group.DoChan(key, func() (any, error) {
		close(invoked)
		gen := c.track(key)
		defer c.untrack(key, gen)
		return factory(detached)
	})

	select {
	case r := <-ch:
		select {
		case <-invoked:
		default:
			joined = true
			c.metrics.InFlightJoined()
		}
		if r.Err != nil {
			return nil, joined, r.Err
		}
		val, _ := r.Val.(*graphql.Result)
		return val, joined, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Cache) track(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.inflight[key] = c.gen
	return c.gen
}

// untrack removes key only if it still refers to the call that registered
// it; an Invalidate may have let a newer call take its place.
func (c *Cache) untrack(key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == gen {
		delete(c.inflight, key)
	}
}
