package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jensneuse/abstractlogger"

	"github.com/jamesprial/gqlwire/internal/cache"
	"github.com/jamesprial/gqlwire/internal/graphql"
)

var (
	// ErrClosed is returned by runs on, or interrupted by, a closed operation.
	ErrClosed = errors.New("executor: operation closed")
	// ErrSuperseded is returned by a run whose retry wait was cancelled by
	// a newer run of the same operation.
	ErrSuperseded = errors.New("executor: superseded by a newer run")

	errNoResult = errors.New("transport returned no result")
)

// State is the observable state of an operation.
type State[T any] struct {
	Data    *T
	Loading bool
	Errors  []graphql.Error
}

func (s State[T]) clone() State[T] {
	if s.Errors != nil {
		s.Errors = append([]graphql.Error(nil), s.Errors...)
	}
	return s
}

// operation holds what queries and mutations share: state publication,
// observers and the retry loop. Only the latest run may publish.
type operation[T any] struct {
	transport graphql.Transport
	query     string
	class     string
	opts      options

	mu         sync.Mutex
	state      State[T]
	seq        uint64
	cancelWait context.CancelFunc
	closed     bool
	observers  map[uint64]func(State[T])
	nextObs    uint64
}

func newOperation[T any](transport graphql.Transport, query, class string, opts options) (*operation[T], error) {
	if transport == nil {
		return nil, fmt.Errorf("executor: transport is required")
	}
	if _, err := graphql.NewRequest(query, nil, ""); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	return &operation[T]{
		transport: transport,
		query:     query,
		class:     class,
		opts:      opts,
		observers: make(map[uint64]func(State[T])),
	}, nil
}

// Snapshot returns a copy of the current state.
func (o *operation[T]) Snapshot() State[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// OnChange registers fn to be called after every state change, outside any
// lock. The returned function removes the observer.
func (o *operation[T]) OnChange(fn func(State[T])) func() {
	o.mu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

// Close cancels any pending retry wait and stops further publication.
// A network call already in progress is allowed to finish.
func (o *operation[T]) Close() {
	o.mu.Lock()
	o.closed = true
	if o.cancelWait != nil {
		o.cancelWait()
		o.cancelWait = nil
	}
	o.observers = make(map[uint64]func(State[T]))
	o.mu.Unlock()
}

// begin starts a new run, cancelling the retry wait of the previous one.
func (o *operation[T]) begin(ctx context.Context) (uint64, context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, nil, nil, ErrClosed
	}
	if o.cancelWait != nil {
		o.cancelWait()
	}
	o.seq++
	waitCtx, cancel := context.WithCancel(ctx)
	o.cancelWait = cancel
	return o.seq, waitCtx, cancel, nil
}

// update applies fn to the state if run seq is still current and notifies
// observers. It reports whether the change was published.
func (o *operation[T]) update(seq uint64, fn func(s *State[T])) bool {
	o.mu.Lock()
	if o.closed || seq != o.seq {
		o.mu.Unlock()
		return false
	}
	fn(&o.state)
	snap := o.state.clone()
	observers := make([]func(State[T]), 0, len(o.observers))
	for _, obs := range o.observers {
		observers = append(observers, obs)
	}
	o.mu.Unlock()

	for _, obs := range observers {
		obs(snap)
	}
	return true
}

// execute runs req to a terminal outcome. The returned error is nil on
// plain success, an ErrorList mirroring the published errors otherwise,
// or ErrClosed/ErrSuperseded when the run was interrupted.
func (o *operation[T]) execute(ctx context.Context, req graphql.Request, c *cache.Cache, invalidate bool) (*T, error) {
	seq, waitCtx, cancel, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	key := req.Fingerprint()
	if c != nil {
		if invalidate {
			c.Invalidate(key)
		}
		if raw, ok := c.Lookup(key); ok {
			data, err := decode[T](raw)
			if err == nil {
				o.update(seq, func(s *State[T]) {
					s.Data = data
					s.Errors = nil
					s.Loading = false
				})
				return data, nil
			}
			o.opts.log.Debug("executor: discarding undecodable cache entry",
				abstractlogger.String("fingerprint", key),
				abstractlogger.Error(err),
			)
		}
	}

	o.update(seq, func(s *State[T]) {
		s.Loading = true
		s.Errors = nil
	})

	fellThrough := false
	for attempt := 0; ; {
		res, joined, err := o.fetch(ctx, c, key, req)
		if err == nil {
			if len(res.Errors) == 0 || !o.opts.retryOnServerErrors || attempt >= o.opts.retry {
				return o.settle(seq, c, key, res)
			}
			err = graphql.ErrorList(res.Errors)
		}

		// Another caller's shared call failed; that failure is not ours.
		if joined && !fellThrough {
			fellThrough = true
			continue
		}

		if attempt >= o.opts.retry || ctx.Err() != nil {
			return nil, o.fail(seq, err)
		}
		attempt++
		delay := o.opts.retryDelay * time.Duration(attempt)
		o.opts.metrics.RetryScheduled(o.class)
		o.opts.log.Debug("executor: retrying",
			abstractlogger.String("operation", o.class),
			abstractlogger.Int("attempt", attempt),
			abstractlogger.String("delay", delay.String()),
			abstractlogger.Error(err),
		)
		if !o.sleep(waitCtx, delay) {
			return nil, o.interrupted(ctx, seq)
		}
	}
}

// fetch performs one attempt, through the in-flight map when caching.
func (o *operation[T]) fetch(ctx context.Context, c *cache.Cache, key string, req graphql.Request) (*graphql.Result, bool, error) {
	call := func(ctx context.Context) (*graphql.Result, error) {
		res, err := o.transport.Execute(ctx, req, graphql.WithTimeout(o.opts.timeout))
		if err == nil && res == nil {
			return nil, &graphql.TransportError{Kind: graphql.KindUnknown, Err: errNoResult}
		}
		return res, err
	}
	if c == nil {
		res, err := call(ctx)
		return res, false, err
	}
	return c.GetOrCreateInFlight(ctx, key, call)
}

func (o *operation[T]) settle(seq uint64, c *cache.Cache, key string, res *graphql.Result) (*T, error) {
	var data *T
	if res.HasData() {
		var err error
		if data, err = decode[T](res.Data); err != nil {
			return nil, o.fail(seq, &graphql.TransportError{Kind: graphql.KindDecode, Err: err})
		}
	}

	if c != nil && data != nil && len(res.Errors) == 0 {
		c.Store(key, res.Data, o.opts.ttl)
	}

	errs := append([]graphql.Error(nil), res.Errors...)
	o.update(seq, func(s *State[T]) {
		if data != nil {
			s.Data = data
		}
		s.Errors = errs
		s.Loading = false
	})
	if len(errs) > 0 {
		return data, graphql.ErrorList(errs)
	}
	return data, nil
}

// fail publishes one synthetic error carrying err's message.
func (o *operation[T]) fail(seq uint64, err error) error {
	errs := graphql.ErrorList{{Message: err.Error()}}
	o.opts.log.Debug("executor: giving up",
		abstractlogger.String("operation", o.class),
		abstractlogger.Error(err),
	)
	o.update(seq, func(s *State[T]) {
		s.Errors = errs
		s.Loading = false
	})
	return errs
}

// interrupted resolves a run whose retry wait ended early.
func (o *operation[T]) interrupted(ctx context.Context, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return o.fail(seq, err)
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ErrSuperseded
}

func (o *operation[T]) sleep(ctx context.Context, d time.Duration) bool {
	t := o.opts.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func decode[T any](raw []byte) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return v, nil
}
