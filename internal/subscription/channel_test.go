package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jamesprial/gqlwire/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

// fakeConn is an in-memory Conn. Frames pushed on in are returned by
// ReadMessage; fail ends the read loop with the given error.
type fakeConn struct {
	in   chan Message
	fail chan error
	sent chan Message
	done chan struct{}

	once      sync.Once
	mu        sync.Mutex
	closeCode websocket.StatusCode
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan Message, 16),
		fail: make(chan error, 1),
		sent: make(chan Message, 16),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case err := <-c.fail:
		return Message{}, err
	case <-c.done:
		return Message{}, net.ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(_ context.Context, msg Message) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	c.sent <- msg
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) code() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeDialer hands out fakeConns, or fails every dial when failing is set.
type fakeDialer struct {
	failing bool
	dialed  chan *fakeConn

	mu      sync.Mutex
	headers []http.Header
	urls    []string
}

func newFakeDialer(failing bool) *fakeDialer {
	return &fakeDialer{failing: failing, dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.headers = append(d.headers, header)
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// recordingClock reports the delay of every AfterFunc once the timer is
// registered, so tests can advance the mock clock without racing.
type recordingClock struct {
	*clock.Mock
	delays chan time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{Mock: clock.NewMock(), delays: make(chan time.Duration, 16)}
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	t := c.Mock.AfterFunc(d, f)
	c.delays <- d
	return t
}

func awaitMessage[A any](t *testing.T, timeout time.Duration, ch <-chan A, f func(*testing.T, A), msgAndArgs ...any) {
	t.Helper()

	select {
	case msg := <-ch:
		f(t, msg)
	case <-time.After(timeout):
		t.Fatal(append([]any{"timed out waiting for message"}, msgAndArgs...)...)
	}
}

func expectType(want string) func(*testing.T, Message) {
	return func(t *testing.T, msg Message) {
		t.Helper()
		assert.Equal(t, want, msg.Type)
	}
}

type ticks struct {
	N int `json:"n"`
}

type staticToken string

func (s staticToken) Token() (string, bool) { return string(s), s != "" }

func newTestChannel(t *testing.T, d Dialer, opts ...Option) (*Channel[ticks], *recordingClock) {
	t.Helper()
	clk := newRecordingClock()
	opts = append([]Option{WithClock(clk), WithIDGenerator(func() string { return "abc123" })}, opts...)
	ch, err := NewChannel[ticks](d, "ws://example.test/graphql", "subscription { ticks { n } }", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, clk
}

// activate connects ch and completes the handshake on the dialed conn.
func activate(t *testing.T, ch *Channel[ticks], d *fakeDialer) *fakeConn {
	t.Helper()
	require.NoError(t, ch.Connect())

	var conn *fakeConn
	awaitMessage(t, waitFor, d.dialed, func(t *testing.T, c *fakeConn) { conn = c })
	awaitMessage(t, waitFor, conn.sent, expectType(MessageConnectionInit))
	conn.in <- Message{Type: MessageConnectionAck}
	awaitMessage(t, waitFor, conn.sent, func(t *testing.T, msg Message) {
		assert.Equal(t, MessageStart, msg.Type)
		assert.Equal(t, "abc123", msg.ID)
	})
	require.Eventually(t, func() bool { return ch.Snapshot().Phase == PhaseActive }, waitFor, time.Millisecond)
	return conn
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func Test_NewChannel_Validation(t *testing.T) {
	tests := []struct {
		name   string
		dialer Dialer
		url    string
		query  string
	}{
		{name: "nil dialer", dialer: nil, url: "ws://x", query: "subscription { a }"},
		{name: "blank query", dialer: newFakeDialer(false), url: "ws://x", query: "  "},
		{name: "empty url", dialer: newFakeDialer(false), url: "", query: "subscription { a }"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := NewChannel[ticks](tt.dialer, tt.url, tt.query)
			assert.Error(t, err)
			assert.Nil(t, ch)
		})
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func Test_Channel_HandshakeAndData(t *testing.T) {
	d := newFakeDialer(false)
	ch, _ := newTestChannel(t, d, WithTokenSource(staticToken("s3cret")), WithHeader("X-Club", "downtown"))

	var (
		mu     sync.Mutex
		states []State[ticks]
	)
	ch.OnChange(func(s State[ticks]) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	conn := activate(t, ch, d)
	snap := ch.Snapshot()
	assert.True(t, snap.Connected)
	assert.False(t, snap.Loading)
	assert.Equal(t, "abc123", snap.SubscriptionID)

	conn.in <- Message{ID: "abc123", Type: MessageData, Payload: json.RawMessage(`{"data":{"n":7}}`)}
	require.Eventually(t, func() bool {
		s := ch.Snapshot()
		return s.Data != nil && s.Data.N == 7
	}, waitFor, time.Millisecond)

	d.mu.Lock()
	header := d.headers[0]
	d.mu.Unlock()
	assert.Equal(t, "Bearer s3cret", header.Get("Authorization"))
	assert.Equal(t, "downtown", header.Get("X-Club"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.True(t, states[0].Loading, "first published state is the connecting one")
}

func Test_Channel_DisconnectSendsStopThenCloses(t *testing.T) {
	d := newFakeDialer(false)
	ch, _ := newTestChannel(t, d)
	conn := activate(t, ch, d)

	require.NoError(t, ch.Disconnect())
	awaitMessage(t, waitFor, conn.sent, func(t *testing.T, msg Message) {
		assert.Equal(t, Message{ID: "abc123", Type: MessageStop}, msg)
	})
	require.Eventually(t, func() bool { return conn.code() == websocket.StatusNormalClosure }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return ch.Snapshot().Phase == PhaseIdle }, waitFor, time.Millisecond)

	snap := ch.Snapshot()
	assert.Equal(t, 0, snap.ReconnectAttempts)
	assert.Empty(t, snap.SubscriptionID)
	assert.False(t, snap.Connected)
}

func Test_Channel_ReconnectBackoffThenTerminalError(t *testing.T) {
	d := newFakeDialer(true)
	m := metrics.New(nil)
	ch, clk := newTestChannel(t, d, WithMetrics(m))

	require.NoError(t, ch.Connect())
	for i, want := range []time.Duration{1000, 2000, 4000, 8000, 16000} {
		awaitMessage(t, waitFor, clk.delays, func(t *testing.T, got time.Duration) {
			assert.Equal(t, want*time.Millisecond, got, "delay before attempt %d", i+1)
		})
		clk.Add(want * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		s := ch.Snapshot()
		return len(s.Errors) == 1 && s.Errors[0].Message == ReconnectExhaustedMessage
	}, waitFor, time.Millisecond)

	select {
	case got := <-clk.delays:
		t.Fatalf("unexpected reconnect scheduled after budget: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Reconnects))
	assert.False(t, ch.Snapshot().Loading)
}

func Test_Channel_AbnormalCloseReconnectsAndResubscribes(t *testing.T) {
	d := newFakeDialer(false)
	ch, clk := newTestChannel(t, d)
	conn := activate(t, ch, d)

	conn.fail <- websocket.CloseError{Code: websocket.StatusInternalError, Reason: "boom"}
	awaitMessage(t, waitFor, clk.delays, func(t *testing.T, got time.Duration) {
		assert.Equal(t, time.Second, got)
	})
	require.Eventually(t, func() bool { return ch.Snapshot().Phase == PhaseReconnecting }, waitFor, time.Millisecond)
	assert.Equal(t, 1, ch.Snapshot().ReconnectAttempts)

	clk.Add(time.Second)
	var next *fakeConn
	awaitMessage(t, waitFor, d.dialed, func(t *testing.T, c *fakeConn) { next = c })
	awaitMessage(t, waitFor, next.sent, expectType(MessageConnectionInit))
	next.in <- Message{Type: MessageConnectionAck}
	awaitMessage(t, waitFor, next.sent, expectType(MessageStart))
	require.Eventually(t, func() bool {
		s := ch.Snapshot()
		return s.Phase == PhaseActive && s.ReconnectAttempts == 0
	}, waitFor, time.Millisecond)
}

func Test_Channel_FiredTimersAreForgotten(t *testing.T) {
	d := newFakeDialer(false)
	ch, clk := newTestChannel(t, d)
	conn := activate(t, ch, d)

	pending := func() int {
		var n int
		require.NoError(t, ch.onLoop(func() { n = len(ch.timers) }))
		return n
	}

	for round := 0; round < 3; round++ {
		conn.fail <- websocket.CloseError{Code: websocket.StatusInternalError, Reason: "boom"}
		awaitMessage(t, waitFor, clk.delays, func(t *testing.T, got time.Duration) {
			assert.Equal(t, time.Second, got)
		})
		require.Eventually(t, func() bool { return pending() == 1 }, waitFor, time.Millisecond)

		clk.Add(time.Second)
		awaitMessage(t, waitFor, d.dialed, func(t *testing.T, c *fakeConn) { conn = c })
		awaitMessage(t, waitFor, conn.sent, expectType(MessageConnectionInit))
		conn.in <- Message{Type: MessageConnectionAck}
		awaitMessage(t, waitFor, conn.sent, expectType(MessageStart))
		require.Eventually(t, func() bool { return ch.Snapshot().Phase == PhaseActive }, waitFor, time.Millisecond)
		assert.Equal(t, 0, pending(), "round %d", round)
	}
}

func Test_Channel_ServerNormalCloseDoesNotReconnect(t *testing.T) {
	d := newFakeDialer(false)
	ch, clk := newTestChannel(t, d)
	conn := activate(t, ch, d)

	conn.fail <- websocket.CloseError{Code: websocket.StatusNormalClosure}
	require.Eventually(t, func() bool { return ch.Snapshot().Phase == PhaseIdle }, waitFor, time.Millisecond)

	select {
	case got := <-clk.delays:
		t.Fatalf("unexpected reconnect scheduled: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, d.dialCount())
}

func Test_Channel_SetVariablesWhileActiveResubscribes(t *testing.T) {
	d := newFakeDialer(false)
	ch, clk := newTestChannel(t, d, WithVariables(map[string]any{"room": "lobby"}))
	conn := activate(t, ch, d)

	require.NoError(t, ch.SetVariables(map[string]any{"room": "kitchen"}))
	awaitMessage(t, waitFor, conn.sent, expectType(MessageStop))
	awaitMessage(t, waitFor, clk.delays, func(t *testing.T, got time.Duration) {
		assert.Equal(t, time.Second, got)
	})

	clk.Add(time.Second)
	var next *fakeConn
	awaitMessage(t, waitFor, d.dialed, func(t *testing.T, c *fakeConn) { next = c })
	awaitMessage(t, waitFor, next.sent, expectType(MessageConnectionInit))
	next.in <- Message{Type: MessageConnectionAck}
	awaitMessage(t, waitFor, next.sent, func(t *testing.T, msg Message) {
		assert.Equal(t, MessageStart, msg.Type)
		assert.JSONEq(t, `{"query":"subscription { ticks { n } }","variables":{"room":"kitchen"}}`, string(msg.Payload))
	})
}

func Test_Channel_MalformedFrameKeepsConnection(t *testing.T) {
	d := newFakeDialer(false)
	ch, _ := newTestChannel(t, d)
	conn := activate(t, ch, d)

	conn.fail <- ErrMalformedFrame
	conn.in <- Message{ID: "abc123", Type: MessageData, Payload: json.RawMessage(`{"data":{"n":3}}`)}
	require.Eventually(t, func() bool {
		s := ch.Snapshot()
		return s.Data != nil && s.Data.N == 3
	}, waitFor, time.Millisecond)
	assert.Equal(t, PhaseActive, ch.Snapshot().Phase)
}

func Test_Channel_UndecodableDataReported(t *testing.T) {
	d := newFakeDialer(false)
	ch, _ := newTestChannel(t, d)
	conn := activate(t, ch, d)

	conn.in <- Message{ID: "abc123", Type: MessageData, Payload: json.RawMessage(`{"data":{"n":"seven"}}`)}
	require.Eventually(t, func() bool { return len(ch.Snapshot().Errors) == 1 }, waitFor, time.Millisecond)
	assert.Contains(t, ch.Snapshot().Errors[0].Message, "decode data")
	assert.Nil(t, ch.Snapshot().Data)
}

func Test_Channel_SendConnectionInit(t *testing.T) {
	d := newFakeDialer(false)
	ch, _ := newTestChannel(t, d)
	conn := activate(t, ch, d)

	require.NoError(t, ch.SendConnectionInit())
	awaitMessage(t, waitFor, conn.sent, expectType(MessageConnectionInit))
}

func Test_Channel_CloseTearsDownAndRejectsCalls(t *testing.T) {
	d := newFakeDialer(false)
	m := metrics.New(nil)
	ch, _ := newTestChannel(t, d, WithMetrics(m))
	conn := activate(t, ch, d)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSubscriptions))

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close(), "Close is idempotent")

	awaitMessage(t, waitFor, conn.sent, expectType(MessageStop))
	assert.Equal(t, websocket.StatusNormalClosure, conn.code())
	assert.Equal(t, PhaseClosed, ch.Snapshot().Phase)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSubscriptions))

	assert.ErrorIs(t, ch.Connect(), ErrClosed)
	assert.ErrorIs(t, ch.SetVariables(nil), ErrClosed)
}

func Test_Channel_CloseCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer(true)
	ch, clk := newTestChannel(t, d)

	require.NoError(t, ch.Connect())
	awaitMessage(t, waitFor, clk.delays, func(t *testing.T, got time.Duration) {
		assert.Equal(t, time.Second, got)
	})
	require.NoError(t, ch.Close())

	clk.Add(time.Minute)
	assert.Equal(t, 1, d.dialCount())
}
