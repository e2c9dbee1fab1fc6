package secrets

import (
	"sync"

	"go.uber.org/zap"
)

// StaticAgent answers secret requests from an in-memory table, typically
// loaded from the daemon configuration file. It cannot produce new
// credentials, so requests flagged FlagRequestNew fail.
type StaticAgent struct {
	logger *zap.Logger
	broker *Broker

	mu      sync.RWMutex
	entries map[string]Secrets // profile name -> secrets
}

// NewStaticAgent creates a static agent. Bind must be called before use.
func NewStaticAgent(entries map[string]Secrets, logger *zap.Logger) *StaticAgent {
	if entries == nil {
		entries = make(map[string]Secrets)
	}
	return &StaticAgent{
		logger:  logger,
		entries: entries,
	}
}

// Bind attaches the agent to the broker it delivers responses to.
func (a *StaticAgent) Bind(broker *Broker) {
	a.broker = broker
}

// Update replaces the secrets table, used on configuration reload.
func (a *StaticAgent) Update(entries map[string]Secrets) {
	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()
}

// GetSecrets answers asynchronously from the table.
func (a *StaticAgent) GetSecrets(handle Handle, req *Request) {
	go func() {
		if req.Flags&FlagRequestNew != 0 {
			// Static material already failed once; nothing fresher exists.
			a.broker.Deliver(req.Owner, handle, nil, ErrNoAgent)
			return
		}

		a.mu.RLock()
		s, ok := a.entries[req.ProfileName]
		a.mu.RUnlock()

		if !ok {
			a.broker.Deliver(req.Owner, handle, nil, ErrNoAgent)
			return
		}
		a.broker.Deliver(req.Owner, handle, s, nil)
	}()
}

// CancelSecrets is a no-op; static answers are immediate.
func (a *StaticAgent) CancelSecrets(Handle) {}
