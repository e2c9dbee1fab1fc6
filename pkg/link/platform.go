// Package link abstracts the platform link layer: property queries, link
// settings, address/route programming and carrier change notification.
package link

import (
	"errors"
	"net"
)

var (
	// ErrUnsupported is returned by the stub platform on non-Linux builds.
	ErrUnsupported = errors.New("link operations not supported on this platform")

	// ErrLinkNotFound is returned when an interface does not exist.
	ErrLinkNotFound = errors.New("link not found")
)

// Properties describes a network link.
type Properties struct {
	Index        int
	Name         string
	MTU          int
	Carrier      bool
	HardwareAddr net.HardwareAddr
}

// WakeOnLANMode is a wake-on-LAN trigger.
type WakeOnLANMode string

const (
	WakeOnPhy       WakeOnLANMode = "p"
	WakeOnUnicast   WakeOnLANMode = "u"
	WakeOnMulticast WakeOnLANMode = "m"
	WakeOnBroadcast WakeOnLANMode = "b"
	WakeOnARP       WakeOnLANMode = "a"
	WakeOnMagic     WakeOnLANMode = "g"
)

// Negotiation holds link negotiation parameters.
type Negotiation struct {
	AutoNegotiate bool
	SpeedMbps     int
	Duplex        string // full or half
}

// Platform is the capability contract consumed by the activation
// orchestrator. Implementations must be safe for concurrent use.
type Platform interface {
	// IfIndex resolves an interface name to its index.
	IfIndex(name string) (int, error)

	// Properties returns current link properties.
	Properties(ifindex int) (*Properties, error)

	// Carrier reports whether the link has carrier.
	Carrier(ifindex int) (bool, error)

	// SetMTU changes the link MTU.
	SetMTU(ifindex int, mtu int) error

	// SetUp brings the link administratively up.
	SetUp(ifindex int) error

	// SetNegotiation applies speed/duplex/autoneg settings.
	SetNegotiation(ifindex int, neg Negotiation) error

	// SetWakeOnLAN configures wake-on-LAN triggers.
	SetWakeOnLAN(ifindex int, modes []WakeOnLANMode, password net.HardwareAddr) error

	// AddAddress adds an address to the link.
	AddAddress(ifindex int, addr *net.IPNet) error

	// AddDefaultRoute installs a default route via gw on the link.
	AddDefaultRoute(ifindex int, gw net.IP) error

	// FlushAddresses removes all addresses previously configured on the link.
	FlushAddresses(ifindex int) error
}
