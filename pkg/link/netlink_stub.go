//go:build !linux

package link

import "net"

// NetlinkPlatform is a stub for non-Linux builds.
type NetlinkPlatform struct{}

// NewNetlinkPlatform returns an error on non-Linux platforms.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	return nil, ErrUnsupported
}

func (p *NetlinkPlatform) Close()                                {}
func (p *NetlinkPlatform) IfIndex(string) (int, error)           { return 0, ErrUnsupported }
func (p *NetlinkPlatform) Properties(int) (*Properties, error)   { return nil, ErrUnsupported }
func (p *NetlinkPlatform) Carrier(int) (bool, error)             { return false, ErrUnsupported }
func (p *NetlinkPlatform) SetMTU(int, int) error                 { return ErrUnsupported }
func (p *NetlinkPlatform) SetUp(int) error                       { return ErrUnsupported }
func (p *NetlinkPlatform) SetNegotiation(int, Negotiation) error { return ErrUnsupported }
func (p *NetlinkPlatform) AddAddress(int, *net.IPNet) error      { return ErrUnsupported }
func (p *NetlinkPlatform) AddDefaultRoute(int, net.IP) error     { return ErrUnsupported }
func (p *NetlinkPlatform) FlushAddresses(int) error              { return ErrUnsupported }

func (p *NetlinkPlatform) SetWakeOnLAN(int, []WakeOnLANMode, net.HardwareAddr) error {
	return ErrUnsupported
}
