// Package token stores the bearer credential attached to outgoing GraphQL
// requests. It keeps two tiers: a durable one that survives restarts and a
// session one scoped to the running process.
package token

import (
	"errors"

	"github.com/jensneuse/abstractlogger"
)

const tokenKey = "token"

// Provider reads and writes the credential. Storage failures never reach
// the caller; they are logged and the token is treated as absent.
type Provider struct {
	durable Store
	session Store
	log     abstractlogger.Logger
}

// Option configures a Provider.
type Option func(p *Provider)

// WithLogger sets the logger that reports store failures.
func WithLogger(log abstractlogger.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// NewProvider returns a Provider over the two tiers. A nil durable store
// leaves only the session tier.
func NewProvider(durable Store, session Store, opts ...Option) *Provider {
	if session == nil {
		session = NewMemoryStore()
	}
	p := &Provider{
		durable: durable,
		session: session,
		log:     abstractlogger.NoopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns the durable credential, falling back to the session one.
func (p *Provider) Token() (string, bool) {
	for _, tier := range p.tiers() {
		v, err := tier.store.Get(tokenKey)
		switch {
		case err == nil && v != "":
			return v, true
		case err != nil && !errors.Is(err, ErrNotFound):
			p.log.Error("token.Provider.Token",
				abstractlogger.String("tier", tier.name),
				abstractlogger.Error(err),
			)
		}
	}
	return "", false
}

// Set persists token to the durable tier. An empty token clears every tier.
func (p *Provider) Set(token string) {
	if token == "" {
		p.Clear()
		return
	}
	if p.durable == nil {
		p.SetSession(token)
		return
	}
	p.put("durable", p.durable, token)
}

// SetSession stores token for the life of the process only.
func (p *Provider) SetSession(token string) {
	if token == "" {
		p.Clear()
		return
	}
	p.put("session", p.session, token)
}

// Clear removes the credential from every tier.
func (p *Provider) Clear() {
	for _, tier := range p.tiers() {
		if err := tier.store.Delete(tokenKey); err != nil {
			p.log.Error("token.Provider.Clear",
				abstractlogger.String("tier", tier.name),
				abstractlogger.Error(err),
			)
		}
	}
}

func (p *Provider) put(name string, s Store, token string) {
	if err := s.Put(tokenKey, token); err != nil {
		p.log.Error("token.Provider.Set",
			abstractlogger.String("tier", name),
			abstractlogger.Error(err),
		)
	}
}

type namedStore struct {
	name  string
	store Store
}

func (p *Provider) tiers() []namedStore {
	tiers := make([]namedStore, 0, 2)
	if p.durable != nil {
		tiers = append(tiers, namedStore{name: "durable", store: p.durable})
	}
	return append(tiers, namedStore{name: "session", store: p.session})
}
