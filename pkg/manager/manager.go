// Package manager owns the device registry. It creates activation
// contexts on demand, fans carrier notifications out to them and exposes
// activate/deactivate by interface name.
package manager

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/netplane-io/linkd/pkg/device"
	"github.com/netplane-io/linkd/pkg/link"
	"github.com/netplane-io/linkd/pkg/profile"
)

// ErrUnknownDevice is returned for operations on interfaces the manager
// has never seen.
var ErrUnknownDevice = errors.New("manager: unknown device")

// EventHandler is called when device events occur.
type EventHandler func(event device.Event)

// Config holds manager-wide settings.
type Config struct {
	// Defaults applies to every device the manager creates.
	Defaults device.Options
}

// Manager manages activation contexts, one per interface.
type Manager struct {
	config   Config
	logger   *zap.Logger
	deps     device.Deps
	monitor  *link.CarrierMonitor
	handlers []EventHandler

	mu      sync.RWMutex
	devices map[string]*device.Device
}

// New creates a device manager. monitor may be nil when carrier
// notification is unavailable.
func New(config Config, deps device.Deps, monitor *link.CarrierMonitor, logger *zap.Logger) *Manager {
	return &Manager{
		config:  config,
		logger:  logger,
		deps:    deps,
		monitor: monitor,
		devices: make(map[string]*device.Device),
	}
}

// Start starts carrier monitoring.
func (m *Manager) Start() error {
	m.logger.Info("Starting device manager")

	if m.monitor != nil {
		m.monitor.OnChange(m.onLink)
		if err := m.monitor.Start(); err != nil {
			if errors.Is(err, link.ErrUnsupported) {
				m.logger.Warn("Carrier monitoring unavailable on this platform")
			} else {
				return fmt.Errorf("starting carrier monitor: %w", err)
			}
		}
	}

	m.logger.Info("Device manager started")
	return nil
}

// Stop deactivates every device and stops carrier monitoring.
func (m *Manager) Stop() error {
	m.logger.Info("Stopping device manager")

	if m.monitor != nil {
		m.monitor.Stop()
	}

	m.mu.RLock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	for _, d := range devices {
		d.Deactivate()
	}

	m.logger.Info("Device manager stopped")
	return nil
}

// OnEvent registers an event handler.
func (m *Manager) OnEvent(handler EventHandler) {
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) emitEvent(event device.Event) {
	for _, handler := range m.handlers {
		handler(event)
	}
}

// Activate applies a profile to the named interface, creating the device
// on first use.
func (m *Manager) Activate(name string, p *profile.Profile) error {
	d := m.ensureDevice(name)
	return d.Activate(p)
}

// Deactivate tears down the named interface.
func (m *Manager) Deactivate(name string) error {
	m.mu.RLock()
	d, ok := m.devices[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	d.Deactivate()
	return nil
}

// Device returns the activation context for an interface.
func (m *Manager) Device(name string) (*device.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[name]
	return d, ok
}

// Snapshots returns the state of every known device.
func (m *Manager) Snapshots() []device.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]device.Snapshot, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Snapshot())
	}
	return out
}

func (m *Manager) ensureDevice(name string) *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[name]; ok {
		return d
	}
	d := device.New(name, m.deps, m.config.Defaults)
	d.OnEvent(m.emitEvent)
	m.devices[name] = d
	m.logger.Info("Tracking device", zap.String("interface", name))
	return d
}

// onLink routes a kernel link update to the owning device. Matching is by
// interface index, falling back to the name for devices whose index was
// unresolved at activation time (a PPPoE parent that appears later); those
// adopt the index and resume their postponed stage.
func (m *Manager) onLink(ifindex int, name string, carrier bool) {
	m.mu.RLock()
	var target, unresolved *device.Device
	for _, d := range m.devices {
		if ifindex != 0 && d.Ifindex() == ifindex {
			target = d
			break
		}
	}
	if target == nil {
		if d, ok := m.devices[name]; ok && d.Ifindex() == 0 {
			unresolved = d
		}
	}
	m.mu.RUnlock()

	switch {
	case target != nil:
		target.OnCarrierChanged(carrier)
	case unresolved != nil:
		unresolved.OnLinkChanged(&link.Properties{
			Index:   ifindex,
			Name:    name,
			Carrier: carrier,
		})
	}
}
