package safety

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const tokenTTL = 5 * time.Minute

// pendingConfirmation holds the metadata for an outstanding confirmation token.
type pendingConfirmation struct {
	tool        string
	resource    string
	description string
	createdAt   time.Time
}

// ConfirmationTracker manages single-use, time-limited confirmation tokens
// for tools that change remote state, such as mutations. A token is bound to
// the tool and resource it was issued for.
type ConfirmationTracker struct {
	gated map[string]struct{}
	clock clock.Clock

	mu     sync.Mutex
	tokens map[string]*pendingConfirmation
}

// NewConfirmationTracker returns a ConfirmationTracker whose set of tools
// requiring explicit confirmation is defined by gatedTools. A nil or empty
// slice means no tools require confirmation.
func NewConfirmationTracker(gatedTools []string) *ConfirmationTracker {
	ct := &ConfirmationTracker{
		gated:  make(map[string]struct{}, len(gatedTools)),
		clock:  clock.New(),
		tokens: make(map[string]*pendingConfirmation),
	}
	for _, tool := range gatedTools {
		ct.gated[tool] = struct{}{}
	}
	return ct
}

// WithClock replaces the clock used for token expiry and returns ct.
func (ct *ConfirmationTracker) WithClock(clk clock.Clock) *ConfirmationTracker {
	ct.mu.Lock()
	ct.clock = clk
	ct.mu.Unlock()
	return ct
}

// NeedsConfirmation reports whether tool is in the gated set.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.gated[tool]
	return ok
}

// sweepExpired removes all tokens whose age exceeds tokenTTL. The caller must
// hold ct.mu.
func (ct *ConfirmationTracker) sweepExpired(now time.Time) {
	for token, pending := range ct.tokens {
		if now.Sub(pending.createdAt) > tokenTTL {
			delete(ct.tokens, token)
		}
	}
}

// RequestConfirmation creates a new confirmation token for the given tool,
// resource and description and returns the opaque token string. Tokens are
// valid for 5 minutes and are single-use.
func (ct *ConfirmationTracker) RequestConfirmation(tool, resource, description string) string {
	token := generateToken()

	ct.mu.Lock()
	now := ct.clock.Now()
	ct.sweepExpired(now)
	ct.tokens[token] = &pendingConfirmation{
		tool:        tool,
		resource:    resource,
		description: description,
		createdAt:   now,
	}
	ct.mu.Unlock()

	return token
}

// Confirm consumes token and returns true if it was issued for the same tool
// and resource and has not expired. Any presented token is consumed, so a
// second call with the same token returns false.
func (ct *ConfirmationTracker) Confirm(token, tool, resource string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pending, ok := ct.tokens[token]
	if !ok {
		return false
	}
	delete(ct.tokens, token)

	if ct.clock.Now().Sub(pending.createdAt) > tokenTTL {
		return false
	}
	return pending.tool == tool && pending.resource == resource
}

// generateToken returns a cryptographically random hex-encoded token string.
func generateToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}
