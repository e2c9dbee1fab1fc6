// Package dcb applies Data Center Bridging / FCoE configuration in lockstep
// with carrier transitions. Enabling or reconfiguring DCB bounces the link,
// so each configuration step waits for the expected carrier toggle, with a
// timeout fallback that keeps the sequence moving when the link never
// toggles.
package dcb

import (
	"errors"
	"time"

	"github.com/netplane-io/linkd/pkg/profile"
)

// WaitState is the carrier-wait phase of the synchronizer.
type WaitState int

const (
	WaitNone WaitState = iota
	WaitCarrierPreenableUp
	WaitCarrierPreconfigDown
	WaitCarrierPreconfigUp
	WaitCarrierPostconfigDown
	WaitCarrierPostconfigUp
)

func (s WaitState) String() string {
	switch s {
	case WaitNone:
		return "none"
	case WaitCarrierPreenableUp:
		return "preenable-up"
	case WaitCarrierPreconfigDown:
		return "preconfig-down"
	case WaitCarrierPreconfigUp:
		return "preconfig-up"
	case WaitCarrierPostconfigDown:
		return "postconfig-down"
	case WaitCarrierPostconfigUp:
		return "postconfig-up"
	default:
		return "unknown"
	}
}

// Carrier-wait timeouts. A timeout is forward progress, not failure: if the
// link never toggles the sequence proceeds with a warning.
const (
	PreenableUpTimeout = 4 * time.Second
	CarrierDownTimeout = 3 * time.Second
	CarrierUpTimeout   = 5 * time.Second
)

var (
	// ErrEnableFailed is returned when the external tool could not enable
	// DCB on the interface.
	ErrEnableFailed = errors.New("dcb enable failed")

	// ErrSetupFailed is returned when applying the DCB configuration
	// failed.
	ErrSetupFailed = errors.New("dcb setup failed")
)

// Tool is the external DCB/FCoE tool contract.
type Tool interface {
	Enable(iface string, on bool) error
	Setup(iface string, settings *profile.DCB) error
	Cleanup(iface string) error
}
