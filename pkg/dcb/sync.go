package dcb

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/profile"
	"github.com/netplane-io/linkd/pkg/timing"
)

// Synchronizer walks the carrier-gated DCB configuration sequence:
//
//	preenable-up -> (enable) -> preconfig-down -> preconfig-up ->
//	(setup) -> postconfig-down -> postconfig-up -> none
//
// Each step fires on the expected carrier transition or on its timeout,
// whichever comes first. At most one timeout timer is armed at any instant.
// Completion or failure is reported exactly once via the done callback.
type Synchronizer struct {
	iface    string
	settings *profile.DCB
	tool     Tool
	clock    timing.Clock
	logger   *zap.Logger
	done     func(err error)

	onTransition func()

	mu       sync.Mutex
	state    WaitState
	carrier  bool
	timer    timing.Timer
	finished bool
}

// OnTransition registers a callback invoked once per step of progress
// through the sequence. Must be called before Start.
func (s *Synchronizer) OnTransition(cb func()) {
	s.onTransition = cb
}

// NewSynchronizer creates a synchronizer. Start must be called to begin.
func NewSynchronizer(iface string, settings *profile.DCB, tool Tool, clock timing.Clock, logger *zap.Logger, done func(error)) *Synchronizer {
	return &Synchronizer{
		iface:    iface,
		settings: settings,
		tool:     tool,
		clock:    clock,
		logger:   logger,
		done:     done,
		state:    WaitNone,
	}
}

// State returns the current wait state.
func (s *Synchronizer) State() WaitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the sequence. If carrier is already up the enable step runs
// immediately; otherwise it waits for carrier-up or the preenable timeout.
func (s *Synchronizer) Start(carrierUp bool) {
	s.mu.Lock()
	s.carrier = carrierUp
	s.state = WaitCarrierPreenableUp
	s.logger.Info("Starting DCB configuration sequence",
		zap.String("interface", s.iface),
		zap.Bool("carrier", carrierUp),
	)
	if carrierUp {
		s.advanceLocked()
		return
	}
	s.armLocked(PreenableUpTimeout)
	s.mu.Unlock()
}

// HandleCarrier feeds a carrier transition into the sequence. Events that
// do not match the current wait direction are ignored.
func (s *Synchronizer) HandleCarrier(up bool) {
	s.mu.Lock()
	if s.finished || s.state == WaitNone {
		s.carrier = up
		s.mu.Unlock()
		return
	}
	s.carrier = up

	var fires bool
	switch s.state {
	case WaitCarrierPreenableUp, WaitCarrierPreconfigUp, WaitCarrierPostconfigUp:
		fires = up
	case WaitCarrierPreconfigDown, WaitCarrierPostconfigDown:
		fires = !up
	}
	if !fires {
		s.mu.Unlock()
		return
	}

	s.logger.Debug("DCB carrier gate fired",
		zap.String("interface", s.iface),
		zap.String("state", s.state.String()),
		zap.Bool("carrier", up),
	)
	s.stopTimerLocked()
	s.advanceLocked()
}

// Stop abandons the sequence without reporting an outcome. Used on
// deactivation; idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.stopTimerLocked()
	s.state = WaitNone
	s.mu.Unlock()
}

// advanceLocked executes the step out of the current wait state. Called
// with the lock held; releases it. Completion is emitted after unlocking.
func (s *Synchronizer) advanceLocked() {
	if s.onTransition != nil {
		s.onTransition()
	}
	switch s.state {
	case WaitCarrierPreenableUp:
		if err := s.tool.Enable(s.iface, true); err != nil {
			s.finishLocked(fmt.Errorf("%w: %v", ErrEnableFailed, err))
			return
		}
		s.logger.Info("DCB enabled", zap.String("interface", s.iface))
		s.enterDownPhaseLocked(WaitCarrierPreconfigDown, WaitCarrierPreconfigUp)

	case WaitCarrierPreconfigDown:
		s.state = WaitCarrierPreconfigUp
		s.armLocked(CarrierUpTimeout)
		s.mu.Unlock()

	case WaitCarrierPreconfigUp:
		if err := s.tool.Setup(s.iface, s.settings); err != nil {
			s.finishLocked(fmt.Errorf("%w: %v", ErrSetupFailed, err))
			return
		}
		s.logger.Info("DCB configuration applied", zap.String("interface", s.iface))
		s.enterDownPhaseLocked(WaitCarrierPostconfigDown, WaitCarrierPostconfigUp)

	case WaitCarrierPostconfigDown:
		s.state = WaitCarrierPostconfigUp
		s.armLocked(CarrierUpTimeout)
		s.mu.Unlock()

	case WaitCarrierPostconfigUp:
		s.state = WaitNone
		s.finishLocked(nil)

	default:
		s.mu.Unlock()
	}
}

// enterDownPhaseLocked enters a wait-for-carrier-down state, falling
// straight through to the up-wait when carrier is already down.
func (s *Synchronizer) enterDownPhaseLocked(down, up WaitState) {
	if !s.carrier {
		s.state = up
		s.armLocked(CarrierUpTimeout)
		s.mu.Unlock()
		return
	}
	s.state = down
	s.armLocked(CarrierDownTimeout)
	s.mu.Unlock()
}

func (s *Synchronizer) armLocked(d time.Duration) {
	expect := s.state
	s.timer = s.clock.AfterFunc(d, func() { s.onTimeout(expect) })
}

func (s *Synchronizer) onTimeout(expect WaitState) {
	s.mu.Lock()
	if s.finished || s.state != expect {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.logger.Warn("Carrier did not toggle, proceeding anyway",
		zap.String("interface", s.iface),
		zap.String("state", s.state.String()),
	)
	s.advanceLocked()
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// finishLocked ends the sequence. Called with the lock held; releases it
// and emits the outcome.
func (s *Synchronizer) finishLocked(err error) {
	s.finished = true
	s.stopTimerLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("DCB configuration failed",
			zap.String("interface", s.iface),
			zap.Error(err),
		)
	} else {
		s.logger.Info("DCB configuration sequence complete",
			zap.String("interface", s.iface),
		)
	}
	if s.done != nil {
		s.done(err)
	}
}
