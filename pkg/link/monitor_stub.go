//go:build !linux

package link

import "go.uber.org/zap"

// CarrierMonitor is a stub for non-Linux builds.
type CarrierMonitor struct{}

// NewCarrierMonitor returns a stub monitor.
func NewCarrierMonitor(*zap.Logger) *CarrierMonitor { return &CarrierMonitor{} }

func (m *CarrierMonitor) OnChange(func(ifindex int, name string, carrier bool)) {}
func (m *CarrierMonitor) Start() error                                          { return ErrUnsupported }
func (m *CarrierMonitor) Stop()                                                 {}
