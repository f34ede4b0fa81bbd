package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/xid"
)

// ErrUnknownHandle is returned for a handle the registry does not hold.
var ErrUnknownHandle = errors.New("subscription: unknown handle")

// Registry keeps the channels opened on behalf of remote callers, each
// under an opaque handle.
type Registry struct {
	dialer Dialer
	url    string
	opts   []Option

	mu       sync.Mutex
	channels map[string]*Channel[json.RawMessage]
}

// NewRegistry returns a registry whose channels dial url with dialer and
// share opts.
func NewRegistry(dialer Dialer, url string, opts ...Option) *Registry {
	return &Registry{
		dialer:   dialer,
		url:      url,
		opts:     opts,
		channels: make(map[string]*Channel[json.RawMessage]),
	}
}

// Subscribe opens and connects a new channel and returns its handle.
func (r *Registry) Subscribe(query string, vars map[string]any, operationName string) (string, error) {
	opts := append(append([]Option(nil), r.opts...), WithVariables(vars), WithOperationName(operationName))
	ch, err := NewChannel[json.RawMessage](r.dialer, r.url, query, opts...)
	if err != nil {
		return "", err
	}
	if err := ch.Connect(); err != nil {
		_ = ch.Close()
		return "", fmt.Errorf("subscription: connect: %w", err)
	}

	handle := xid.New().String()
	r.mu.Lock()
	r.channels[handle] = ch
	r.mu.Unlock()
	return handle, nil
}

// Get returns the channel behind handle.
func (r *Registry) Get(handle string) (*Channel[json.RawMessage], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	return ch, nil
}

// Unsubscribe closes the channel behind handle and forgets it.
func (r *Registry) Unsubscribe(handle string) error {
	r.mu.Lock()
	ch, ok := r.channels[handle]
	delete(r.channels, handle)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	return ch.Close()
}

// Handles lists the open handles in sorted order.
func (r *Registry) Handles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for h := range r.channels {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Close closes every channel.
func (r *Registry) Close() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*Channel[json.RawMessage])
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
