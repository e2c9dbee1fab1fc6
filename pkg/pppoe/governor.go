// Package pppoe holds the PPPoE pieces of device activation: the reconnect
// governor that paces re-establishment after a teardown, and the contract
// for the external PPP session manager.
package pppoe

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/timing"
)

// ReconnectDelay is the minimum idle time between tearing down a PPPoE
// link and re-establishing it. Reconnecting faster confuses access
// concentrators that still consider the old session live.
const ReconnectDelay = 7 * time.Second

// Decision is the outcome of a prepare check.
type Decision int

const (
	// Ready means re-establishment may proceed now.
	Ready Decision = iota
	// Waiting means the idle delay has not elapsed; the resume callback
	// fires when it has.
	Waiting
)

func (d Decision) String() string {
	if d == Ready {
		return "ready"
	}
	return "waiting"
}

// Governor enforces the reconnect delay for one device.
type Governor struct {
	clock  timing.Clock
	logger *zap.Logger

	mu           sync.Mutex
	lastTeardown time.Time
	timer        timing.Timer
	gen          uint64
}

// NewGovernor creates a governor.
func NewGovernor(clock timing.Clock, logger *zap.Logger) *Governor {
	return &Governor{clock: clock, logger: logger}
}

// NoteTeardown records the teardown instant. Any pending resume timer is
// cancelled; the next CheckPrepare measures from this point.
func (g *Governor) NoteTeardown() {
	g.mu.Lock()
	g.lastTeardown = g.clock.Now()
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
}

// CheckPrepare decides whether re-establishment may proceed. When the
// delay has not elapsed it arms a one-shot timer for the remainder and
// returns Waiting; resume is invoked when the timer fires. Re-entrant:
// repeated calls while the timer is pending do not arm a second timer.
func (g *Governor) CheckPrepare(resume func()) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastTeardown.IsZero() {
		return Ready
	}

	elapsed := g.clock.Now().Sub(g.lastTeardown)
	if elapsed >= ReconnectDelay {
		g.lastTeardown = time.Time{}
		return Ready
	}

	if g.timer != nil {
		return Waiting
	}

	remaining := ReconnectDelay - elapsed
	gen := g.gen
	g.logger.Info("Delaying PPPoE reconnect",
		zap.Duration("remaining", remaining),
	)
	g.timer = g.clock.AfterFunc(remaining, func() {
		g.mu.Lock()
		if g.gen != gen {
			g.mu.Unlock()
			return
		}
		g.timer = nil
		g.lastTeardown = time.Time{}
		g.mu.Unlock()
		resume()
	})
	return Waiting
}

// CancelResume stops a pending resume timer without touching the teardown
// record, so a later CheckPrepare still measures from the real teardown.
// Used when the held activation is abandoned.
func (g *Governor) CancelResume() {
	g.mu.Lock()
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
}

// Pending reports whether a resume timer is armed.
func (g *Governor) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}

// Reset clears the teardown record and any pending timer.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.lastTeardown = time.Time{}
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()
}
