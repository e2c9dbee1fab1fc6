package supplicant

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/timing"
)

// Session drives one authentication attempt:
// Starting -> Associating -> Associated -> Completed, with Down/Failed as
// terminal error states. Two watchdogs guard progress, the association
// timeout and the fixed auth wait; at most one of them is armed at any
// instant, and both are cleared on teardown.
type Session struct {
	manager Manager
	cfg     Config
	clock   timing.Clock
	logger  *zap.Logger
	cb      Callbacks

	mu             sync.Mutex
	state          SessionState
	iface          Interface
	assocTimer     timing.Timer
	authTimer      timing.Timer
	ready          bool // optional-auth fallback: proceed unauthenticated
	readyDelivered bool
	done           bool
}

// NewSession creates a session. Start must be called to begin.
func NewSession(manager Manager, cfg Config, clock timing.Clock, logger *zap.Logger, cb Callbacks) *Session {
	if cfg.AssocTimeout <= 0 {
		cfg.AssocTimeout = DefaultAssocTimeout
	}
	return &Session{
		manager: manager,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		cb:      cb,
		state:   SessionStarting,
	}
}

// Start requests the daemon interface and begins association once it is
// granted. Completion and failure are delivered via the callbacks.
func (s *Session) Start() {
	s.logger.Info("Starting supplicant session",
		zap.String("interface", s.cfg.Ifname),
		zap.String("driver", s.cfg.Driver),
	)
	s.manager.CreateInterface(s.cfg.Ifindex, s.cfg.Ifname, s.cfg.Driver, s.onCreated)
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session allows activation to proceed, either
// because authentication completed or because optional auth marked the
// session usable without it.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionCompleted || s.ready
}

// MarkReady flags the session usable without completed authentication.
// Used when the 802.1X setting is optional and the auth wait expired; the
// auth-state callback remains observed as a late success path.
func (s *Session) MarkReady() {
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("Supplicant session marked ready without authentication",
		zap.String("interface", s.cfg.Ifname),
	)
}

// ArmedTimers reports how many watchdogs are currently armed. Never more
// than one.
func (s *Session) ArmedTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if s.assocTimer != nil {
		n++
	}
	if s.authTimer != nil {
		n++
	}
	return n
}

// Teardown releases the daemon interface and clears both watchdogs. Safe to
// call multiple times; after Teardown returns no callbacks are delivered.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.clearTimersLocked()
	iface := s.iface
	s.iface = nil
	s.mu.Unlock()

	if iface != nil {
		if err := iface.Disconnect(); err != nil {
			s.logger.Debug("Supplicant disconnect failed", zap.Error(err))
		}
		s.manager.RemoveInterface(iface)
	}

	s.logger.Debug("Supplicant session torn down", zap.String("interface", s.cfg.Ifname))
}

func (s *Session) onCreated(iface Interface, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		if iface != nil {
			s.manager.RemoveInterface(iface)
		}
		return
	}

	if err != nil {
		s.state = SessionFailed
		s.mu.Unlock()
		s.logger.Warn("Supplicant interface creation failed",
			zap.String("interface", s.cfg.Ifname),
			zap.Error(err),
		)
		s.emitFailed(FailConfig, fmt.Errorf("create interface: %w", err))
		return
	}

	s.iface = iface
	iface.OnStateChanged(s.onIfaceState)
	iface.OnAuthStateChanged(s.onAuthState)

	if aerr := iface.Associate(&s.cfg.Assoc); aerr != nil {
		s.state = SessionFailed
		s.mu.Unlock()
		s.emitFailed(FailConfig, fmt.Errorf("associate: %w", aerr))
		return
	}

	s.state = SessionAssociating
	s.armAssocLocked()
	s.mu.Unlock()

	s.logger.Debug("Association requested",
		zap.String("interface", s.cfg.Ifname),
		zap.Duration("timeout", s.cfg.AssocTimeout),
	)
}

func (s *Session) onIfaceState(state InterfaceState) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}

	switch state {
	case IfaceAssociated:
		if s.state != SessionAssociating {
			s.mu.Unlock()
			return
		}
		// The daemon may have raced past Associated already.
		if s.iface != nil && s.iface.State() == IfaceCompleted {
			s.completeLocked()
			return
		}
		s.state = SessionAssociated
		s.armAuthWaitLocked()
		s.mu.Unlock()
		s.logger.Debug("Associated, waiting for authentication",
			zap.String("interface", s.cfg.Ifname),
		)

	case IfaceCompleted:
		s.completeLocked()

	case IfaceDown:
		s.clearTimersLocked()
		s.state = SessionDown
		s.mu.Unlock()
		s.emitFailed(FailDown, ErrInterfaceDown)

	default:
		s.mu.Unlock()
	}
}

// completeLocked finishes the session. Called with the lock held; releases it.
func (s *Session) completeLocked() {
	s.clearTimersLocked()
	s.state = SessionCompleted
	deliver := !s.readyDelivered
	s.readyDelivered = true
	s.mu.Unlock()

	s.logger.Info("Authentication completed", zap.String("interface", s.cfg.Ifname))
	if deliver && s.cb.Ready != nil {
		s.cb.Ready()
	}
}

func (s *Session) onAuthState(state AuthState) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	// Late success after an optional-auth fallback.
	deliver := state == AuthSuccess && s.ready && !s.readyDelivered
	if deliver {
		s.readyDelivered = true
	}
	s.mu.Unlock()

	if deliver {
		s.logger.Info("Late authentication success", zap.String("interface", s.cfg.Ifname))
		if s.cb.Ready != nil {
			s.cb.Ready()
		}
	}
}

func (s *Session) onAssocTimeout() {
	s.mu.Lock()
	s.assocTimer = nil
	if s.done || s.state != SessionAssociating {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warn("Association timed out",
		zap.String("interface", s.cfg.Ifname),
		zap.Duration("timeout", s.cfg.AssocTimeout),
	)
	if s.cb.Timeout != nil {
		s.cb.Timeout(TimeoutAssociation)
	}
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	s.authTimer = nil
	if s.done || s.state != SessionAssociated {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warn("Authentication wait expired", zap.String("interface", s.cfg.Ifname))
	if s.cb.Timeout != nil {
		s.cb.Timeout(TimeoutAuth)
	}
}

// armAssocLocked arms the association watchdog, clearing the auth wait first
// so only one watchdog is ever armed.
func (s *Session) armAssocLocked() {
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
	s.assocTimer = s.clock.AfterFunc(s.cfg.AssocTimeout, s.onAssocTimeout)
}

func (s *Session) armAuthWaitLocked() {
	if s.assocTimer != nil {
		s.assocTimer.Stop()
		s.assocTimer = nil
	}
	s.authTimer = s.clock.AfterFunc(AuthWaitTimeout, s.onAuthTimeout)
}

func (s *Session) clearTimersLocked() {
	if s.assocTimer != nil {
		s.assocTimer.Stop()
		s.assocTimer = nil
	}
	if s.authTimer != nil {
		s.authTimer.Stop()
		s.authTimer = nil
	}
}

func (s *Session) emitFailed(kind FailKind, err error) {
	if s.cb.Failed != nil {
		s.cb.Failed(kind, err)
	}
}
