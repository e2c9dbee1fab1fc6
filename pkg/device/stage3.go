package device

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/netplane-io/linkd/pkg/profile"
)

const probeTimeout = 3 * time.Second

// enterStage3Locked configures addressing. PPPoE links are addressed by
// the PPP daemon during IPCP, manual profiles program the platform
// directly, and automatic profiles run a DHCP exchange asynchronously.
func (d *Device) enterStage3Locked(calls *[]func()) {
	d.setStateLocked(StateIPConfig)
	p := d.prof

	if p.Type == profile.TypePPPoE {
		d.enterIPCheckLocked(calls)
		return
	}

	method := p.IP.Method
	if method == "" {
		method = profile.IPMethodAuto
	}

	switch method {
	case profile.IPMethodDisabled:
		d.enterIPCheckLocked(calls)

	case profile.IPMethodManual:
		if err := d.applyStaticLocked(); err != nil {
			d.logger.Warn("Static addressing failed", zap.Error(err))
			d.failLocked(ReasonIPConfigFailed, calls)
			return
		}
		d.enterIPCheckLocked(calls)

	case profile.IPMethodAuto:
		gen := d.gen
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.DHCPTimeout)
		d.dhcpCancel = cancel
		ifname := d.name
		request := d.opts.DHCP
		if request == nil {
			request = requestDHCP
		}
		*calls = append(*calls, func() {
			go func() {
				lease, err := request(ctx, ifname)
				cancel()
				d.onLease(gen, lease, err)
			}()
		})
	}
}

func (d *Device) applyStaticLocked() error {
	ip := d.prof.IP
	for _, a := range ip.Addresses {
		addr, network, err := net.ParseCIDR(a)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", a, err)
		}
		network.IP = addr
		if err := d.platform.AddAddress(d.ifindex, network); err != nil {
			return fmt.Errorf("adding %s: %w", a, err)
		}
	}
	if ip.Gateway != "" {
		gw := net.ParseIP(ip.Gateway)
		if err := d.platform.AddDefaultRoute(d.ifindex, gw); err != nil {
			return fmt.Errorf("default route via %s: %w", ip.Gateway, err)
		}
		d.gateway = gw
	}
	return nil
}

func (d *Device) onLease(gen uint64, lease *Lease, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.dhcpCancel = nil

	var calls []func()
	switch {
	case err != nil:
		d.logger.Warn("DHCP failed", zap.Error(err))
		d.failLocked(ReasonIPConfigFailed, &calls)

	default:
		d.logger.Info("Lease acquired",
			zap.Stringer("address", lease.Address),
			zap.Stringer("gateway", lease.Gateway),
		)
		if aerr := d.platform.AddAddress(d.ifindex, lease.Address); aerr != nil {
			d.logger.Warn("Applying lease address failed", zap.Error(aerr))
			d.failLocked(ReasonIPConfigFailed, &calls)
			break
		}
		if lease.Gateway != nil {
			if rerr := d.platform.AddDefaultRoute(d.ifindex, lease.Gateway); rerr != nil {
				d.logger.Warn("Installing default route failed", zap.Error(rerr))
				d.failLocked(ReasonIPConfigFailed, &calls)
				break
			}
			d.gateway = lease.Gateway
		}
		d.enterIPCheckLocked(&calls)
	}
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
	runAll(calls)
}

// enterIPCheckLocked optionally probes the gateway before declaring the
// device activated. The probe is advisory; its failure never fails the
// attempt.
func (d *Device) enterIPCheckLocked(calls *[]func()) {
	d.setStateLocked(StateIPCheck)

	if d.opts.ProbeGateway && d.gateway != nil {
		gen := d.gen
		gw := d.gateway
		*calls = append(*calls, func() {
			go func() {
				if err := probeGateway(gw, probeTimeout); err != nil {
					d.logger.Warn("Gateway probe failed",
						zap.Stringer("gateway", gw),
						zap.Error(err),
					)
				}
				d.onProbeDone(gen)
			}()
		})
		return
	}
	d.completeActivationLocked()
}

func (d *Device) onProbeDone(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.state != StateIPCheck {
		d.mu.Unlock()
		return
	}
	d.completeActivationLocked()
	notify := d.flushLocked()
	d.mu.Unlock()
	notify()
}

func (d *Device) completeActivationLocked() {
	d.setStateLocked(StateSecondaries)
	d.setStateLocked(StateActivated)
	d.prof.LastSuccessfulAt = d.clock.Now()
	d.authRetries = 0
	d.metrics.RecordActivation("success")
	d.logger.Info("Activated", zap.String("profile", d.prof.Name))
}

// requestDHCP runs a DISCOVER/REQUEST exchange on the interface.
func requestDHCP(ctx context.Context, ifname string) (*Lease, error) {
	client, err := nclient4.New(ifname)
	if err != nil {
		return nil, fmt.Errorf("dhcp client on %s: %w", ifname, err)
	}
	defer client.Close()

	lease, err := client.Request(ctx)
	if err != nil {
		return nil, fmt.Errorf("dhcp exchange on %s: %w", ifname, err)
	}

	ack := lease.ACK
	mask := ack.SubnetMask()
	if mask == nil {
		mask = ack.YourIPAddr.DefaultMask()
	}
	out := &Lease{
		Address: &net.IPNet{IP: ack.YourIPAddr, Mask: mask},
		DNS:     ack.DNS(),
	}
	if routers := ack.Router(); len(routers) > 0 {
		out.Gateway = routers[0]
	}
	return out, nil
}

// probeGateway sends one unprivileged ICMP echo to the gateway.
func probeGateway(gw net.IP, timeout time.Duration) error {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("icmp listen: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("linkd probe"),
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: gw}); err != nil {
		return fmt.Errorf("echo request: %w", err)
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return fmt.Errorf("echo reply: %w", err)
	}
	reply, err := icmp.ParseMessage(1, buf[:n])
	if err != nil {
		return err
	}
	if reply.Type != ipv4.ICMPTypeEchoReply {
		return fmt.Errorf("unexpected icmp reply type %v", reply.Type)
	}
	return nil
}
