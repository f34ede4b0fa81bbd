// Package subscription implements a graphql-ws subscription client: one
// persistent WebSocket connection per Channel, one active subscription id
// per connection, and reconnection with exponential backoff.
package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/jamesprial/gqlwire/internal/graphql"
)

// Subprotocol is the WebSocket sub-protocol negotiated with the server.
const Subprotocol = "graphql-ws"

// graphql-ws message types.
const (
	MessageConnectionInit  = "connection_init"
	MessageConnectionAck   = "connection_ack"
	MessageConnectionError = "connection_error"
	MessageKeepAlive       = "ka"
	MessageStart           = "start"
	MessageData            = "data"
	MessageError           = "error"
	MessageComplete        = "complete"
	MessageStop            = "stop"
)

// Message is one graphql-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

func startMessage(id, query string, vars map[string]any, operationName string) Message {
	// A map of JSON-encodable values and two strings cannot fail to marshal;
	// anything else surfaces as a server-side error on the subscription.
	payload, _ := json.Marshal(startPayload{Query: query, Variables: vars, OperationName: operationName})
	return Message{ID: id, Type: MessageStart, Payload: payload}
}

// parseData splits a data payload into its data and errors members.
func parseData(payload json.RawMessage) (graphql.Result, error) {
	var res graphql.Result
	if len(payload) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return res, fmt.Errorf("malformed data payload: %w", err)
	}
	return res, nil
}

// parseErrors reads an error or connection_error payload. Servers send a
// single error object, an array of them, or occasionally a bare string.
func parseErrors(payload json.RawMessage, fallback string) []graphql.Error {
	if len(payload) == 0 || string(payload) == "null" {
		return []graphql.Error{{Message: fallback}}
	}
	var list []graphql.Error
	if err := json.Unmarshal(payload, &list); err == nil && len(list) > 0 {
		return list
	}
	var one graphql.Error
	if err := json.Unmarshal(payload, &one); err == nil && one.Message != "" {
		return []graphql.Error{one}
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil && s != "" {
		return []graphql.Error{{Message: s}}
	}
	return []graphql.Error{{Message: fallback + ": " + string(payload)}}
}
