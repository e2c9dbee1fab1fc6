// Package profile defines the connection profile data model applied to a
// device during activation. A profile is owned exclusively by the activation
// context and replaced wholesale on reapply, never mutated in place.
package profile

import (
	"fmt"
	"net"
	"time"
)

// ConnectionType identifies the link-layer flavour of a profile.
type ConnectionType string

const (
	TypeWired  ConnectionType = "wired"
	TypeVeth   ConnectionType = "veth"
	TypeMACsec ConnectionType = "macsec"
	TypePPPoE  ConnectionType = "pppoe"
)

// IPMethod selects how stage3 configures addressing.
type IPMethod string

const (
	IPMethodAuto     IPMethod = "auto"   // DHCP
	IPMethodManual   IPMethod = "manual" // static addresses from the profile
	IPMethodDisabled IPMethod = "disabled"
)

// Profile is a connection profile.
type Profile struct {
	Name      string         `yaml:"name" json:"name"`
	Type      ConnectionType `yaml:"type" json:"type"`
	Interface string         `yaml:"interface" json:"interface"`

	// Link settings
	MTU           int    `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	AutoNegotiate bool   `yaml:"autoneg" json:"autoneg"`
	SpeedMbps     int    `yaml:"speed_mbps,omitempty" json:"speed_mbps,omitempty"`
	Duplex        string `yaml:"duplex,omitempty" json:"duplex,omitempty"`

	WakeOnLAN *WakeOnLAN     `yaml:"wake_on_lan,omitempty" json:"wake_on_lan,omitempty"`
	Security  *Security8021x `yaml:"security_8021x,omitempty" json:"security_8021x,omitempty"`
	DCB       *DCB           `yaml:"dcb,omitempty" json:"dcb,omitempty"`
	PPPoE     *PPPoE         `yaml:"pppoe,omitempty" json:"pppoe,omitempty"`
	IP        IPSettings     `yaml:"ip" json:"ip"`

	// LastSuccessfulAt records the last time this profile reached the
	// activated state. Zero means the profile has never worked, which
	// changes how authentication timeouts are handled.
	LastSuccessfulAt time.Time `yaml:"-" json:"last_successful_at,omitempty"`
}

// WakeOnLAN holds wake-on-LAN configuration.
type WakeOnLAN struct {
	Modes    []string `yaml:"modes" json:"modes"` // phy, unicast, multicast, broadcast, arp, magic
	Password string   `yaml:"password,omitempty" json:"-"`
}

// Security8021x holds 802.1X / MACsec authentication settings.
type Security8021x struct {
	EAP               []string `yaml:"eap" json:"eap"`
	Identity          string   `yaml:"identity" json:"identity"`
	AnonymousIdentity string   `yaml:"anonymous_identity,omitempty" json:"anonymous_identity,omitempty"`
	Password          string   `yaml:"password,omitempty" json:"-"`
	CACert            string   `yaml:"ca_cert,omitempty" json:"ca_cert,omitempty"`
	ClientCert        string   `yaml:"client_cert,omitempty" json:"client_cert,omitempty"`
	PrivateKey        string   `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	PrivateKeyPass    string   `yaml:"private_key_password,omitempty" json:"-"`

	// Optional marks authentication as best-effort: if the authenticator
	// never answers, the link is used unauthenticated.
	Optional bool `yaml:"optional" json:"optional"`
}

// HasSecrets reports whether credentials are present.
func (s *Security8021x) HasSecrets() bool {
	return s.Password != "" || s.PrivateKeyPass != ""
}

// ClearSecrets drops cached credentials so a fresh request must supply them.
func (s *Security8021x) ClearSecrets() {
	s.Password = ""
	s.PrivateKeyPass = ""
}

// DCB holds Data Center Bridging / FCoE settings.
type DCB struct {
	PFC          [8]bool `yaml:"pfc" json:"pfc"` // priority flow control per class
	FCoEEnabled  bool    `yaml:"fcoe_enabled" json:"fcoe_enabled"`
	FCoEPriority int     `yaml:"fcoe_priority" json:"fcoe_priority"`
	FCoEMode     string  `yaml:"fcoe_mode,omitempty" json:"fcoe_mode,omitempty"` // fabric or vn2vn
	ISCSIEnabled bool    `yaml:"iscsi_enabled" json:"iscsi_enabled"`
}

// PPPoE holds PPPoE encapsulation settings.
type PPPoE struct {
	Parent   string `yaml:"parent,omitempty" json:"parent,omitempty"`
	Service  string `yaml:"service,omitempty" json:"service,omitempty"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// IPSettings holds stage3 addressing configuration.
type IPSettings struct {
	Method    IPMethod `yaml:"method" json:"method"`
	Addresses []string `yaml:"addresses,omitempty" json:"addresses,omitempty"` // CIDR notation
	Gateway   string   `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	DNS       []string `yaml:"dns,omitempty" json:"dns,omitempty"`
}

// Validate checks the profile for local misconfiguration.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile has no name")
	}
	switch p.Type {
	case TypeWired, TypeVeth, TypeMACsec, TypePPPoE:
	default:
		return fmt.Errorf("profile %q: unknown connection type %q", p.Name, p.Type)
	}
	if p.Type == TypePPPoE && p.PPPoE == nil {
		return fmt.Errorf("profile %q: pppoe profile without pppoe settings", p.Name)
	}
	if p.Type == TypeMACsec && p.Security == nil {
		return fmt.Errorf("profile %q: macsec profile without 802.1x settings", p.Name)
	}
	switch p.IP.Method {
	case IPMethodAuto, IPMethodDisabled, "":
	case IPMethodManual:
		if len(p.IP.Addresses) == 0 {
			return fmt.Errorf("profile %q: manual addressing without addresses", p.Name)
		}
		for _, a := range p.IP.Addresses {
			if _, _, err := net.ParseCIDR(a); err != nil {
				return fmt.Errorf("profile %q: bad address %q: %w", p.Name, a, err)
			}
		}
		if p.IP.Gateway != "" && net.ParseIP(p.IP.Gateway) == nil {
			return fmt.Errorf("profile %q: bad gateway %q", p.Name, p.IP.Gateway)
		}
	default:
		return fmt.Errorf("profile %q: unknown ip method %q", p.Name, p.IP.Method)
	}
	return nil
}

// Clone returns a deep copy. Activation contexts own their copy so a
// reapply never mutates state under a running attempt.
func (p *Profile) Clone() *Profile {
	c := *p
	if p.WakeOnLAN != nil {
		w := *p.WakeOnLAN
		w.Modes = append([]string(nil), p.WakeOnLAN.Modes...)
		c.WakeOnLAN = &w
	}
	if p.Security != nil {
		s := *p.Security
		s.EAP = append([]string(nil), p.Security.EAP...)
		c.Security = &s
	}
	if p.DCB != nil {
		d := *p.DCB
		c.DCB = &d
	}
	if p.PPPoE != nil {
		pp := *p.PPPoE
		c.PPPoE = &pp
	}
	c.IP.Addresses = append([]string(nil), p.IP.Addresses...)
	c.IP.DNS = append([]string(nil), p.IP.DNS...)
	return &c
}
