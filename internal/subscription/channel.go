package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/jensneuse/abstractlogger"

	"github.com/jamesprial/gqlwire/internal/config"
	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/metrics"
)

// ErrClosed is returned by calls on a closed channel.
var ErrClosed = errors.New("subscription: channel closed")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
)

// State is the observable state of a channel.
type State[T any] struct {
	Phase             Phase           `json:"phase"`
	SubscriptionID    string          `json:"subscription_id,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	Loading           bool            `json:"loading"`
	Connected         bool            `json:"connected"`
	Data              *T              `json:"data,omitempty"`
	Errors            []graphql.Error `json:"errors,omitempty"`
}

func (s State[T]) clone() State[T] {
	if s.Errors != nil {
		s.Errors = append([]graphql.Error(nil), s.Errors...)
	}
	return s
}

// Option configures a Channel.
type Option func(o *channelOptions)

type channelOptions struct {
	variables     map[string]any
	operationName string
	tokens        graphql.TokenSource
	header        http.Header
	policy        config.SubscriptionConfig
	newID         func() string
	clock         clock.Clock
	log           abstractlogger.Logger
	metrics       *metrics.Metrics
}

// WithVariables sets the initial variables. vars is copied.
func WithVariables(vars map[string]any) Option {
	return func(o *channelOptions) {
		o.variables = graphql.CloneVariables(vars)
	}
}

// WithOperationName sets the operationName of the start payload.
func WithOperationName(name string) Option {
	return func(o *channelOptions) {
		o.operationName = name
	}
}

// WithTokenSource attaches "Authorization: Bearer <token>" to every dial.
func WithTokenSource(tokens graphql.TokenSource) Option {
	return func(o *channelOptions) {
		o.tokens = tokens
	}
}

// WithHeader adds a header sent with every WebSocket handshake.
func WithHeader(key, value string) Option {
	return func(o *channelOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Set(key, value)
	}
}

// WithPolicy sets the reconnect policy. Zero fields keep their defaults.
func WithPolicy(p config.SubscriptionConfig) Option {
	return func(o *channelOptions) {
		o.policy = p
	}
}

// WithIDGenerator replaces the subscription id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *channelOptions) {
		o.newID = fn
	}
}

// WithClock replaces the clock that drives reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(o *channelOptions) {
		o.clock = clk
	}
}

// WithLogger sets the channel logger.
func WithLogger(log abstractlogger.Logger) Option {
	return func(o *channelOptions) {
		o.log = log
	}
}

// WithMetrics records frames, reconnects and the active gauge on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *channelOptions) {
		o.metrics = m
	}
}

// Channel owns one graphql-ws subscription. Every state change happens on a
// single event-loop goroutine; dialers, readers and timers only post events
// to it.
type Channel[T any] struct {
	machine      Machine
	dialer       Dialer
	url          string
	tokens       graphql.TokenSource
	header       http.Header
	writeTimeout time.Duration
	clock        clock.Clock
	log          abstractlogger.Logger
	metrics      *metrics.Metrics

	events    chan Event
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the event loop.
	session Session
	conns   map[uint64]Conn
	timers  map[uint64]*clock.Timer
	active  bool

	mu        sync.RWMutex
	state     State[T]
	observers map[uint64]func(State[T])
	nextObs   uint64
}

// NewChannel builds a channel for query against the WebSocket endpoint url
// and starts its event loop. It does not connect; call Connect.
func NewChannel[T any](dialer Dialer, url, query string, opts ...Option) (*Channel[T], error) {
	if dialer == nil {
		return nil, fmt.Errorf("subscription: dialer is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("subscription: query is required")
	}
	if url == "" {
		return nil, fmt.Errorf("subscription: endpoint is required")
	}

	o := channelOptions{
		clock: clock.New(),
		log:   abstractlogger.NoopLogger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := NewMachine(query)
	m.OperationName = o.operationName
	if o.policy.MaxReconnectAttempts > 0 {
		m.MaxAttempts = o.policy.MaxReconnectAttempts
	}
	if o.policy.InitialBackoff > 0 {
		m.InitialBackoff = o.policy.InitialBackoff
	}
	if o.policy.MaxBackoff > 0 {
		m.MaxBackoff = o.policy.MaxBackoff
	}
	if o.policy.ReconnectDelay > 0 {
		m.ReconnectDelay = o.policy.ReconnectDelay
	}
	if o.newID != nil {
		m.NewID = o.newID
	}
	writeTimeout := defaultWriteTimeout
	if o.policy.WriteTimeout > 0 {
		writeTimeout = o.policy.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel[T]{
		machine:      m,
		dialer:       dialer,
		url:          url,
		tokens:       o.tokens,
		header:       o.header,
		writeTimeout: writeTimeout,
		clock:        o.clock,
		log:          o.log,
		metrics:      o.metrics,
		events:       make(chan Event),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		session:      Session{Variables: o.variables},
		conns:        make(map[uint64]Conn),
		timers:       make(map[uint64]*clock.Timer),
		observers:    make(map[uint64]func(State[T])),
	}
	go c.run()
	return c, nil
}

// Connect opens a fresh connection, closing an existing one first.
func (c *Channel[T]) Connect() error { return c.post(EventConnect{}) }

// Disconnect cancels a pending reconnect, stops the active subscription and
// closes the connection normally.
func (c *Channel[T]) Disconnect() error { return c.post(EventDisconnect{}) }

// Reconnect disconnects and connects again after the reconnect delay.
func (c *Channel[T]) Reconnect() error { return c.post(EventReconnect{}) }

// SetVariables replaces the subscription variables. An active subscription
// is restarted with them, since graphql-ws has no in-place update.
func (c *Channel[T]) SetVariables(vars map[string]any) error {
	return c.post(EventVariables{Variables: graphql.CloneVariables(vars)})
}

// SendConnectionInit sends another connection_init on the open connection.
func (c *Channel[T]) SendConnectionInit() error { return c.post(EventSendInit{}) }

// Close disconnects, stops the event loop and waits for every goroutine the
// channel started. It is safe to call more than once.
func (c *Channel[T]) Close() error {
	c.closeOnce.Do(func() {
		_ = c.post(EventTeardown{})
		<-c.done
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Channel[T]) Snapshot() State[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// OnChange registers fn to be called, from the event loop, after every state
// change. fn must not call back into the channel's blocking methods. The
// returned function removes the observer.
func (c *Channel[T]) OnChange(fn func(State[T])) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Channel[T]) post(ev Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Channel[T]) run() {
	defer close(c.done)
	for ev := range c.events {
		c.handle(ev)
		if c.session.Phase == PhaseClosed {
			c.shutdown()
			return
		}
	}
}

func (c *Channel[T]) handle(ev Event) {
	switch e := ev.(type) {
	case loopEvent:
		e.fn()
		return
	case EventTimer:
		delete(c.timers, e.Timer)
	case openedEvent:
		c.conns[e.conn] = e.c
		c.startReader(e.conn, e.c)
		ev = EventOpened{Conn: e.conn}
	case EventReceived:
		c.metrics.FrameReceived(e.Message.Type)
		c.log.Debug("subscription: frame",
			abstractlogger.String("type", e.Message.Type),
			abstractlogger.String("id", e.Message.ID),
		)
	case EventClosed:
		if conn, ok := c.conns[e.Conn]; ok {
			delete(c.conns, e.Conn)
			c.closeConn(conn, websocket.StatusNormalClosure, "")
		}
		c.log.Debug("subscription: connection closed",
			abstractlogger.Any("code", e.Code),
			abstractlogger.Error(e.Err),
		)
	}

	prev := c.session
	next, effects := c.machine.Step(prev, ev)
	c.session = next
	for _, eff := range effects {
		c.apply(eff)
	}
	c.publish(prev, next)
}

func (c *Channel[T]) apply(eff Effect) {
	switch e := eff.(type) {
	case EffectDial:
		c.dial(e.Conn)
	case EffectSend:
		conn, ok := c.conns[e.Conn]
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
		err := conn.WriteMessage(ctx, e.Message)
		cancel()
		if err != nil {
			// The reader sees the broken connection and reports the closure.
			c.log.Error("subscription: write failed",
				abstractlogger.String("type", e.Message.Type),
				abstractlogger.Error(err),
			)
		}
	case EffectClose:
		if conn, ok := c.conns[e.Conn]; ok {
			delete(c.conns, e.Conn)
			c.closeConn(conn, e.Code, e.Reason)
		}
	case EffectStartTimer:
		id := e.Timer
		c.timers[id] = c.clock.AfterFunc(e.Delay, func() {
			_ = c.post(EventTimer{Timer: id})
		})
		if e.Backoff {
			c.metrics.ReconnectScheduled()
			c.log.Info("subscription: reconnect scheduled",
				abstractlogger.Int("attempt", c.session.ReconnectAttempts),
				abstractlogger.String("delay", e.Delay.String()),
			)
		}
	case EffectCancelTimer:
		if t, ok := c.timers[e.Timer]; ok {
			t.Stop()
			delete(c.timers, e.Timer)
		}
	}
}

// openedEvent carries a dialed connection into the loop, which owns the
// connection map.
type openedEvent struct {
	conn uint64
	c    Conn
}

func (openedEvent) isEvent() {}

// loopEvent runs fn on the event loop without stepping the machine.
type loopEvent struct{ fn func() }

func (loopEvent) isEvent() {}

// onLoop runs fn on the event loop and waits for it to return.
func (c *Channel[T]) onLoop(fn func()) error {
	ran := make(chan struct{})
	if err := c.post(loopEvent{fn: func() { fn(); close(ran) }}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Channel[T]) dial(id uint64) {
	header := c.handshakeHeader()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, defaultDialTimeout)
		conn, err := c.dialer.Dial(ctx, c.url, header)
		cancel()
		if err != nil {
			c.log.Error("subscription: dial failed",
				abstractlogger.String("url", c.url),
				abstractlogger.Error(err),
			)
			_ = c.post(EventClosed{Conn: id, Code: websocket.StatusAbnormalClosure, Err: err})
			return
		}
		if c.post(openedEvent{conn: id, c: conn}) != nil {
			_ = conn.Close(websocket.StatusGoingAway, "channel closed")
		}
	}()
}

func (c *Channel[T]) startReader(id uint64, conn Conn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			msg, err := conn.ReadMessage(c.ctx)
			if errors.Is(err, ErrMalformedFrame) {
				c.log.Warn("subscription: ignoring frame", abstractlogger.Error(err))
				continue
			}
			if err != nil {
				_ = c.post(EventClosed{Conn: id, Code: CloseCode(err), Err: err})
				return
			}
			if c.post(EventReceived{Conn: id, Message: msg}) != nil {
				return
			}
		}
	}()
}

// closeConn runs the close handshake off the loop so readers can keep
// posting while it completes.
func (c *Channel[T]) closeConn(conn Conn, code websocket.StatusCode, reason string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = conn.Close(code, reason)
	}()
}

func (c *Channel[T]) handshakeHeader() http.Header {
	header := c.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if c.tokens != nil {
		if tok, ok := c.tokens.Token(); ok && tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	return header
}

func (c *Channel[T]) shutdown() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	for id, conn := range c.conns {
		delete(c.conns, id)
		c.closeConn(conn, websocket.StatusGoingAway, "channel closed")
	}
}

// publish mirrors the session into the observable state and notifies
// observers when anything visible changed.
func (c *Channel[T]) publish(prev, next Session) {
	if active := next.Phase == PhaseActive; active != c.active {
		c.active = active
		c.metrics.SubscriptionActive(active)
	}
	if sameView(prev, next) {
		return
	}

	c.mu.Lock()
	st := c.state
	st.Phase = next.Phase
	st.SubscriptionID = next.SubscriptionID
	st.ReconnectAttempts = next.ReconnectAttempts
	st.Loading = next.Loading
	st.Connected = next.Connected
	st.Errors = next.Errors
	if !bytes.Equal(prev.Data, next.Data) && next.Data != nil {
		v := new(T)
		if err := json.Unmarshal(next.Data, v); err != nil {
			st.Errors = append(append([]graphql.Error(nil), next.Errors...), graphql.Error{Message: fmt.Sprintf("decode data: %v", err)})
		} else {
			st.Data = v
		}
	}
	c.state = st
	snap := st.clone()
	observers := make([]func(State[T]), 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		obs(snap)
	}
}

func sameView(a, b Session) bool {
	return a.Phase == b.Phase &&
		a.SubscriptionID == b.SubscriptionID &&
		a.ReconnectAttempts == b.ReconnectAttempts &&
		a.Loading == b.Loading &&
		a.Connected == b.Connected &&
		bytes.Equal(a.Data, b.Data) &&
		reflect.DeepEqual(a.Errors, b.Errors)
}
