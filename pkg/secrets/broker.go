// Package secrets brokers credential requests between activation contexts
// and a pluggable secret agent. The broker enforces that each owner has at
// most one request in flight at any time.
package secrets

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Broker tracks outstanding secret requests per owner. Issuing a new
// request for an owner cancels any outstanding one first.
type Broker struct {
	agent  Agent
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pending
	nextID  uint64
}

type pending struct {
	owner  string
	handle Handle
	cb     func(Outcome, Secrets, error)
	// cancelled suppresses callback delivery for a request that the owner
	// abandoned; the agent response is swallowed silently.
	cancelled bool
}

// NewBroker creates a broker backed by the given agent.
func NewBroker(agent Agent, logger *zap.Logger) *Broker {
	return &Broker{
		agent:   agent,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

// Request issues a secrets request for owner, cancelling any outstanding one
// first. The callback receives exactly one of Success, Error; a cancelled
// request delivers nothing.
func (b *Broker) Request(owner string, req *Request, cb func(Outcome, Secrets, error)) Handle {
	b.mu.Lock()
	if old, ok := b.pending[owner]; ok {
		old.cancelled = true
		delete(b.pending, owner)
		b.mu.Unlock()
		b.agent.CancelSecrets(old.handle)
		b.mu.Lock()
	}

	b.nextID++
	handle := Handle(b.nextID)
	p := &pending{owner: owner, handle: handle, cb: cb}
	b.pending[owner] = p
	b.mu.Unlock()

	req.Owner = owner

	b.logger.Debug("Requesting secrets",
		zap.String("owner", owner),
		zap.String("setting", req.SettingName),
		zap.Bool("request_new", req.Flags&FlagRequestNew != 0),
	)

	b.agent.GetSecrets(handle, req)
	return handle
}

// Cancel cancels the outstanding request for owner, if any. Safe to call
// when none is outstanding.
func (b *Broker) Cancel(owner string) {
	b.mu.Lock()
	p, ok := b.pending[owner]
	if !ok {
		b.mu.Unlock()
		return
	}
	p.cancelled = true
	delete(b.pending, owner)
	b.mu.Unlock()

	b.agent.CancelSecrets(p.handle)
	b.logger.Debug("Cancelled secrets request", zap.String("owner", owner))
}

// Outstanding reports whether owner has a request in flight.
func (b *Broker) Outstanding(owner string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[owner]
	return ok
}

// Deliver routes an agent response to the matching request. The broker is
// called in strict request/response pairs per owner; a response whose
// handle does not match the outstanding request for that owner is a
// programming error and panics.
func (b *Broker) Deliver(owner string, handle Handle, secrets Secrets, err error) {
	b.mu.Lock()
	p, ok := b.pending[owner]
	if !ok {
		// Response for a request cancelled before delivery: swallow.
		b.mu.Unlock()
		b.logger.Debug("Dropping response for cancelled secrets request",
			zap.String("owner", owner),
		)
		return
	}
	if p.handle != handle {
		b.mu.Unlock()
		panic(fmt.Sprintf("secrets: response handle %d does not match outstanding request %d for %s",
			handle, p.handle, owner))
	}
	delete(b.pending, owner)
	cancelled := p.cancelled
	b.mu.Unlock()

	if cancelled {
		return
	}

	if err != nil {
		b.logger.Warn("Secrets request failed",
			zap.String("owner", owner),
			zap.Error(err),
		)
		p.cb(OutcomeError, nil, err)
		return
	}

	b.logger.Debug("Secrets delivered", zap.String("owner", owner))
	p.cb(OutcomeSuccess, secrets, nil)
}
