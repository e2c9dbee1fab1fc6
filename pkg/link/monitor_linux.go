//go:build linux

package link

import (
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// CarrierMonitor subscribes to kernel link updates and reports carrier
// transitions per interface.
type CarrierMonitor struct {
	logger *zap.Logger

	mu       sync.Mutex
	carrier  map[int]bool
	onChange func(ifindex int, name string, carrier bool)

	updates chan netlink.LinkUpdate
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCarrierMonitor creates a carrier monitor.
func NewCarrierMonitor(logger *zap.Logger) *CarrierMonitor {
	return &CarrierMonitor{
		logger:  logger,
		carrier: make(map[int]bool),
		updates: make(chan netlink.LinkUpdate, 64),
		done:    make(chan struct{}),
	}
}

// OnChange registers the carrier transition callback. The name is included
// so consumers can match links whose index they have not resolved yet.
// Must be called before Start.
func (m *CarrierMonitor) OnChange(cb func(ifindex int, name string, carrier bool)) {
	m.onChange = cb
}

// Start subscribes to link updates and begins dispatching transitions.
func (m *CarrierMonitor) Start() error {
	if err := netlink.LinkSubscribe(m.updates, m.done); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.loop()

	m.logger.Info("Carrier monitor started")
	return nil
}

// Stop shuts down the monitor.
func (m *CarrierMonitor) Stop() {
	close(m.done)
	m.wg.Wait()
	m.logger.Info("Carrier monitor stopped")
}

func (m *CarrierMonitor) loop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case update, ok := <-m.updates:
			if !ok {
				return
			}
			m.handleUpdate(update)
		}
	}
}

func (m *CarrierMonitor) handleUpdate(update netlink.LinkUpdate) {
	attrs := update.Link.Attrs()
	up := attrs.OperState == netlink.OperUp

	m.mu.Lock()
	prev, seen := m.carrier[attrs.Index]
	m.carrier[attrs.Index] = up
	cb := m.onChange
	m.mu.Unlock()

	if seen && prev == up {
		return
	}

	m.logger.Debug("Carrier changed",
		zap.Int("ifindex", attrs.Index),
		zap.String("interface", attrs.Name),
		zap.Bool("carrier", up),
	)

	if cb != nil {
		cb(attrs.Index, attrs.Name, up)
	}
}
