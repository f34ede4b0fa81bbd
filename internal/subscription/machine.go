package subscription

import (
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/rs/xid"

	"github.com/jamesprial/gqlwire/internal/graphql"
)

// ReconnectExhaustedMessage is published once the reconnect budget is
// spent.
const ReconnectExhaustedMessage = "Connection lost and unable to reconnect"

// Phase is the connection state of a channel.
type Phase int

// Channel phases, in handshake order.
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAckPending
	PhaseActive
	PhaseReconnecting
	PhaseClosed
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseAckPending:
		return "ack_pending"
	case PhaseActive:
		return "active"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets snapshots render the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Session is the complete state of one channel. Connections and timers are
// identified by generation numbers so that events from superseded ones can
// be recognised and dropped.
type Session struct {
	Phase             Phase
	SubscriptionID    string
	ReconnectAttempts int
	Variables         map[string]any
	Loading           bool
	Connected         bool
	Data              json.RawMessage
	Errors            []graphql.Error

	conn      uint64 // live connection, 0 when none
	connOpen  bool
	timer     uint64 // pending connect timer, 0 when none
	lastConn  uint64
	lastTimer uint64
}

// Event is an input to Machine.Step.
type Event interface{ isEvent() }

type (
	// EventConnect opens a fresh connection, closing any existing one.
	EventConnect struct{}
	// EventOpened reports that connection Conn finished its handshake.
	EventOpened struct{ Conn uint64 }
	// EventReceived carries one decoded frame from connection Conn.
	EventReceived struct {
		Conn    uint64
		Message Message
	}
	// EventClosed reports that connection Conn ended or failed to dial.
	EventClosed struct {
		Conn uint64
		Code websocket.StatusCode
		Err  error
	}
	// EventTimer reports that timer Timer fired.
	EventTimer struct{ Timer uint64 }
	// EventDisconnect stops the subscription and closes normally.
	EventDisconnect struct{}
	// EventReconnect disconnects and connects again after a fixed delay.
	EventReconnect struct{}
	// EventVariables replaces the subscription variables.
	EventVariables struct{ Variables map[string]any }
	// EventSendInit re-sends connection_init on the open connection.
	EventSendInit struct{}
	// EventTeardown disconnects and retires the channel.
	EventTeardown struct{}
)

func (EventConnect) isEvent()    {}
func (EventOpened) isEvent()     {}
func (EventReceived) isEvent()   {}
func (EventClosed) isEvent()     {}
func (EventTimer) isEvent()      {}
func (EventDisconnect) isEvent() {}
func (EventReconnect) isEvent()  {}
func (EventVariables) isEvent()  {}
func (EventSendInit) isEvent()   {}
func (EventTeardown) isEvent()   {}

// Effect is an instruction produced by Machine.Step for the channel to carry
// out.
type Effect interface{ isEffect() }

// Effects, addressed by connection or timer id.
type (
	EffectDial struct{ Conn uint64 }
	EffectSend struct {
		Conn    uint64
		Message Message
	}
	EffectClose struct {
		Conn   uint64
		Code   websocket.StatusCode
		Reason string
	}
	EffectStartTimer struct {
		Timer uint64
		Delay time.Duration
		// Backoff is set when the timer follows an abnormal closure.
		Backoff bool
	}
	EffectCancelTimer struct{ Timer uint64 }
)

func (EffectDial) isEffect()        {}
func (EffectSend) isEffect()        {}
func (EffectClose) isEffect()       {}
func (EffectStartTimer) isEffect()  {}
func (EffectCancelTimer) isEffect() {}

// Machine holds the fixed parameters of a channel. Step is a pure function
// of its inputs apart from NewID.
type Machine struct {
	Query          string
	OperationName  string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReconnectDelay time.Duration
	NewID          func() string
}

// NewMachine returns a Machine with the default reconnect policy.
func NewMachine(query string) Machine {
	return Machine{
		Query:          query,
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		ReconnectDelay: time.Second,
		NewID:          func() string { return xid.New().String() },
	}
}

// BackoffDelay returns the wait before reconnect attempt n+1, that is
// min(initial*2^n, max).
func (m Machine) BackoffDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Step applies ev to s and returns the new session and the effects to run,
// in order.
func (m Machine) Step(s Session, ev Event) (Session, []Effect) {
	// A connection that opens after being superseded is released regardless
	// of phase.
	if e, ok := ev.(EventOpened); ok && e.Conn != s.conn {
		return s, []Effect{EffectClose{Conn: e.Conn, Code: websocket.StatusNormalClosure, Reason: "superseded"}}
	}
	if s.Phase == PhaseClosed {
		return s, nil
	}

	switch e := ev.(type) {
	case EventConnect:
		return m.connect(s)
	case EventOpened:
		s.connOpen = true
		s.Phase = PhaseAckPending
		return s, []Effect{EffectSend{Conn: s.conn, Message: Message{Type: MessageConnectionInit}}}
	case EventReceived:
		if e.Conn != s.conn || s.conn == 0 {
			return s, nil
		}
		return m.receive(s, e.Message)
	case EventClosed:
		if e.Conn != s.conn || s.conn == 0 {
			return s, nil
		}
		return m.closed(s, e.Code)
	case EventTimer:
		if e.Timer != s.timer || s.timer == 0 {
			return s, nil
		}
		s.timer = 0
		return m.connect(s)
	case EventDisconnect:
		return m.disconnect(s)
	case EventReconnect:
		return m.reconnect(s)
	case EventVariables:
		s.Variables = graphql.CloneVariables(e.Variables)
		if s.Phase == PhaseActive && s.Connected {
			return m.reconnect(s)
		}
		return s, nil
	case EventSendInit:
		if s.conn == 0 || !s.connOpen {
			return s, nil
		}
		return s, []Effect{EffectSend{Conn: s.conn, Message: Message{Type: MessageConnectionInit}}}
	case EventTeardown:
		s, effects := m.disconnect(s)
		s.Phase = PhaseClosed
		return s, effects
	}
	return s, nil
}

func (m Machine) connect(s Session) (Session, []Effect) {
	var effects []Effect
	if s.timer != 0 {
		effects = append(effects, EffectCancelTimer{Timer: s.timer})
		s.timer = 0
	}
	if s.conn != 0 {
		effects = append(effects, EffectClose{Conn: s.conn, Code: websocket.StatusNormalClosure, Reason: "reconnecting"})
	}
	s.lastConn++
	s.conn = s.lastConn
	s.connOpen = false
	s.SubscriptionID = ""
	s.Phase = PhaseConnecting
	s.Loading = true
	s.Connected = false
	s.Errors = nil
	return s, append(effects, EffectDial{Conn: s.conn})
}

func (m Machine) receive(s Session, msg Message) (Session, []Effect) {
	switch msg.Type {
	case MessageConnectionAck:
		// A second ack must not start a second subscription.
		if s.Phase != PhaseAckPending {
			return s, nil
		}
		s.SubscriptionID = m.NewID()
		s.Phase = PhaseActive
		s.Loading = false
		s.Connected = true
		s.ReconnectAttempts = 0
		start := startMessage(s.SubscriptionID, m.Query, s.Variables, m.OperationName)
		return s, []Effect{EffectSend{Conn: s.conn, Message: start}}

	case MessageData:
		if s.Phase != PhaseActive || !addressed(s, msg) {
			return s, nil
		}
		res, err := parseData(msg.Payload)
		if err != nil {
			s.Errors = []graphql.Error{{Message: err.Error()}}
			return s, nil
		}
		if len(res.Errors) > 0 {
			s.Errors = res.Errors
		}
		if res.HasData() {
			s.Data = res.Data
		}

	case MessageError:
		if !addressed(s, msg) {
			return s, nil
		}
		s.Errors = parseErrors(msg.Payload, "subscription error")

	case MessageComplete:
		if msg.ID != "" && msg.ID == s.SubscriptionID {
			s.Connected = false
		}

	case MessageConnectionError:
		s.Errors = parseErrors(msg.Payload, "connection error")
		s.Connected = false
		s.Loading = false
	}
	return s, nil
}

// addressed reports whether msg belongs to the active subscription. Frames
// without an id are taken to be for it.
func addressed(s Session, msg Message) bool {
	return msg.ID == "" || msg.ID == s.SubscriptionID
}

func (m Machine) closed(s Session, code websocket.StatusCode) (Session, []Effect) {
	s.conn = 0
	s.connOpen = false
	s.SubscriptionID = ""
	s.Connected = false
	s.Loading = false

	if code == websocket.StatusNormalClosure {
		s.ReconnectAttempts = 0
		s.Phase = PhaseIdle
		return s, nil
	}

	if s.ReconnectAttempts >= m.MaxAttempts {
		s.Errors = []graphql.Error{{Message: ReconnectExhaustedMessage}}
		s.Phase = PhaseIdle
		return s, nil
	}

	delay := m.BackoffDelay(s.ReconnectAttempts)
	s.ReconnectAttempts++
	s.lastTimer++
	s.timer = s.lastTimer
	s.Phase = PhaseReconnecting
	return s, []Effect{EffectStartTimer{Timer: s.timer, Delay: delay, Backoff: true}}
}

func (m Machine) disconnect(s Session) (Session, []Effect) {
	var effects []Effect
	if s.timer != 0 {
		effects = append(effects, EffectCancelTimer{Timer: s.timer})
		s.timer = 0
	}
	if s.conn != 0 {
		if s.SubscriptionID != "" && s.connOpen {
			effects = append(effects, EffectSend{Conn: s.conn, Message: Message{ID: s.SubscriptionID, Type: MessageStop}})
		}
		effects = append(effects, EffectClose{Conn: s.conn, Code: websocket.StatusNormalClosure})
	}
	s.conn = 0
	s.connOpen = false
	s.SubscriptionID = ""
	s.Connected = false
	s.Loading = false
	s.ReconnectAttempts = 0
	s.Phase = PhaseIdle
	return s, effects
}

func (m Machine) reconnect(s Session) (Session, []Effect) {
	s, effects := m.disconnect(s)
	s.lastTimer++
	s.timer = s.lastTimer
	s.Phase = PhaseReconnecting
	return s, append(effects, EffectStartTimer{Timer: s.timer, Delay: m.ReconnectDelay})
}
