//go:build linux

package link

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
)

// NetlinkPlatform implements Platform using Linux netlink, shelling out to
// ethtool for the PHY-level settings netlink does not expose.
type NetlinkPlatform struct {
	handle      *netlink.Handle
	ethtoolPath string
}

// NewNetlinkPlatform creates a new Linux netlink platform.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}

	return &NetlinkPlatform{
		handle:      handle,
		ethtoolPath: "/usr/sbin/ethtool",
	}, nil
}

// Close releases the netlink handle.
func (p *NetlinkPlatform) Close() {
	if p.handle != nil {
		p.handle.Close()
	}
}

// IfIndex resolves an interface name to its index.
func (p *NetlinkPlatform) IfIndex(name string) (int, error) {
	l, err := p.handle.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrLinkNotFound, name)
	}
	return l.Attrs().Index, nil
}

// Properties returns current link properties.
func (p *NetlinkPlatform) Properties(ifindex int) (*Properties, error) {
	l, err := p.handle.LinkByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d", ErrLinkNotFound, ifindex)
	}

	attrs := l.Attrs()
	return &Properties{
		Index:        attrs.Index,
		Name:         attrs.Name,
		MTU:          attrs.MTU,
		Carrier:      attrs.OperState == netlink.OperUp,
		HardwareAddr: attrs.HardwareAddr,
	}, nil
}

// Carrier reports whether the link has carrier.
func (p *NetlinkPlatform) Carrier(ifindex int) (bool, error) {
	props, err := p.Properties(ifindex)
	if err != nil {
		return false, err
	}
	return props.Carrier, nil
}

// SetMTU changes the link MTU.
func (p *NetlinkPlatform) SetMTU(ifindex int, mtu int) error {
	l, err := p.handle.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("%w: index %d", ErrLinkNotFound, ifindex)
	}
	if err := p.handle.LinkSetMTU(l, mtu); err != nil {
		return fmt.Errorf("set mtu %d on %s: %w", mtu, l.Attrs().Name, err)
	}
	return nil
}

// SetUp brings the link administratively up.
func (p *NetlinkPlatform) SetUp(ifindex int) error {
	l, err := p.handle.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("%w: index %d", ErrLinkNotFound, ifindex)
	}
	if err := p.handle.LinkSetUp(l); err != nil {
		return fmt.Errorf("set link up %s: %w", l.Attrs().Name, err)
	}
	return nil
}

// SetNegotiation applies speed/duplex/autoneg via ethtool.
func (p *NetlinkPlatform) SetNegotiation(ifindex int, neg Negotiation) error {
	name, err := p.nameOf(ifindex)
	if err != nil {
		return err
	}

	args := []string{"-s", name}
	if neg.AutoNegotiate {
		args = append(args, "autoneg", "on")
	} else {
		args = append(args, "autoneg", "off")
		if neg.SpeedMbps > 0 {
			args = append(args, "speed", strconv.Itoa(neg.SpeedMbps))
		}
		if neg.Duplex != "" {
			args = append(args, "duplex", neg.Duplex)
		}
	}

	if out, err := exec.Command(p.ethtoolPath, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ethtool %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return nil
}

// SetWakeOnLAN configures wake-on-LAN triggers via ethtool.
func (p *NetlinkPlatform) SetWakeOnLAN(ifindex int, modes []WakeOnLANMode, password net.HardwareAddr) error {
	name, err := p.nameOf(ifindex)
	if err != nil {
		return err
	}

	mask := "d" // disabled
	if len(modes) > 0 {
		var b strings.Builder
		for _, m := range modes {
			b.WriteString(string(m))
		}
		mask = b.String()
	}

	args := []string{"-s", name, "wol", mask}
	if password != nil {
		args = append(args, "sopass", password.String())
	}

	if out, err := exec.Command(p.ethtoolPath, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ethtool wol %s: %w: %s", mask, err, out)
	}
	return nil
}

// AddAddress adds an address to the link.
func (p *NetlinkPlatform) AddAddress(ifindex int, addr *net.IPNet) error {
	l, err := p.handle.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("%w: index %d", ErrLinkNotFound, ifindex)
	}
	nlAddr := &netlink.Addr{IPNet: addr}
	if err := p.handle.AddrAdd(l, nlAddr); err != nil {
		if strings.Contains(err.Error(), "file exists") {
			return nil
		}
		return fmt.Errorf("add address %s: %w", addr, err)
	}
	return nil
}

// AddDefaultRoute installs a default route via gw.
func (p *NetlinkPlatform) AddDefaultRoute(ifindex int, gw net.IP) error {
	route := &netlink.Route{
		LinkIndex: ifindex,
		Gw:        gw,
	}
	if err := p.handle.RouteAdd(route); err != nil {
		if strings.Contains(err.Error(), "file exists") {
			return p.handle.RouteReplace(route)
		}
		return fmt.Errorf("add default route via %s: %w", gw, err)
	}
	return nil
}

// FlushAddresses removes all addresses from the link.
func (p *NetlinkPlatform) FlushAddresses(ifindex int) error {
	l, err := p.handle.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("%w: index %d", ErrLinkNotFound, ifindex)
	}
	addrs, err := p.handle.AddrList(l, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	for _, a := range addrs {
		if err := p.handle.AddrDel(l, &a); err != nil {
			return fmt.Errorf("delete address %s: %w", a.IPNet, err)
		}
	}
	return nil
}

func (p *NetlinkPlatform) nameOf(ifindex int) (string, error) {
	l, err := p.handle.LinkByIndex(ifindex)
	if err != nil {
		return "", fmt.Errorf("%w: index %d", ErrLinkNotFound, ifindex)
	}
	return l.Attrs().Name, nil
}
