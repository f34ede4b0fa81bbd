package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrMalformedFrame is returned by Conn.ReadMessage for a frame that is not
// a JSON graphql-ws message. The connection stays usable.
var ErrMalformedFrame = errors.New("subscription: malformed frame")

// Conn is one open graphql-ws connection.
type Conn interface {
	ReadMessage(ctx context.Context) (Message, error)
	WriteMessage(ctx context.Context, msg Message) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer dials real WebSocket connections and insists on the graphql-ws
// sub-protocol.
type WSDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps the size of one frame. Zero keeps the library default.
	ReadLimit int64
}

// Dial opens a connection to rawURL, sending header with the handshake.
func (d WSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("subscription: dial %s: %w", rawURL, err)
	}
	if c.Subprotocol() != Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, fmt.Errorf("subscription: server negotiated subprotocol %q, want %q", c.Subprotocol(), Subprotocol)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// ReadMessage decodes frames itself rather than through wsjson.Read, which
// closes the connection on the first undecodable frame.
func (c *wsConn) ReadMessage(ctx context.Context) (Message, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return Message{}, err
	}
	if typ != websocket.MessageText {
		return Message{}, fmt.Errorf("%w: unexpected %v frame", ErrMalformedFrame, typ)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return msg, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, msg Message) error {
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// CloseCode extracts the close status from a read error. Errors that carry
// no close frame count as an abnormal closure.
func CloseCode(err error) websocket.StatusCode {
	if code := websocket.CloseStatus(err); code != -1 {
		return code
	}
	return websocket.StatusAbnormalClosure
}

// WebSocketURL derives the subscription endpoint from an HTTP endpoint:
// same host and path, http becomes ws and https becomes wss.
func WebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("subscription: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("subscription: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("subscription: endpoint %q has no host", endpoint)
	}
	return u.String(), nil
}
