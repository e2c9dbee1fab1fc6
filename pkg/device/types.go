// Package device implements the per-interface activation orchestrator. A
// Device walks one interface through prepare, link-layer configuration and
// IP configuration, supervising the supplicant session, DCB synchronizer,
// secrets broker and PPPoE governor that the stages delegate to.
package device

import (
	"context"
	"net"
	"time"
)

// State is the device lifecycle state. Transitions move forward only,
// except for the Config/NeedAuth authentication loop and explicit resets
// to Disconnected or Failed.
type State int

const (
	StateUnmanaged State = iota
	StateUnavailable
	StateDisconnected
	StatePrepare
	StateNeedAuth
	StateConfig
	StateIPConfig
	StateIPCheck
	StateSecondaries
	StateActivated
	StateDeactivating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnmanaged:
		return "unmanaged"
	case StateUnavailable:
		return "unavailable"
	case StateDisconnected:
		return "disconnected"
	case StatePrepare:
		return "prepare"
	case StateNeedAuth:
		return "need-auth"
	case StateConfig:
		return "config"
	case StateIPConfig:
		return "ip-config"
	case StateIPCheck:
		return "ip-check"
	case StateSecondaries:
		return "secondaries"
	case StateActivated:
		return "activated"
	case StateDeactivating:
		return "deactivating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StageResult is the outcome of one stage advance.
type StageResult int

const (
	// StageSuccess means the stage completed and the next may begin.
	StageSuccess StageResult = iota
	// StagePostpone means the stage suspended on an asynchronous event and
	// will be re-entered when it fires.
	StagePostpone
	// StageFailure means the stage failed terminally.
	StageFailure
)

func (r StageResult) String() string {
	switch r {
	case StageSuccess:
		return "success"
	case StagePostpone:
		return "postpone"
	case StageFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// FailureReason explains why an activation attempt entered Failed. Exactly
// one reason is recorded per attempt.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	// ReasonConfigFailed is local misconfiguration or a hard link-settings
	// failure.
	ReasonConfigFailed
	// ReasonSupplicantFailed is the daemon reporting the interface down.
	ReasonSupplicantFailed
	// ReasonSupplicantConfigFailed is the daemon rejecting the interface or
	// association request.
	ReasonSupplicantConfigFailed
	// ReasonSupplicantTimeout is an authentication loss after activation.
	ReasonSupplicantTimeout
	// ReasonSupplicantDisconnect is association never completing despite
	// retries.
	ReasonSupplicantDisconnect
	// ReasonNoSecrets means the secret agent could not provide credentials
	// within the retry budget.
	ReasonNoSecrets
	// ReasonDcbFcoeFailed is a DCB enable or setup command failure. Carrier
	// timeouts alone never produce it.
	ReasonDcbFcoeFailed
	// ReasonPppStartFailed means the PPP session could not be started.
	ReasonPppStartFailed
	// ReasonPppFailed means a running PPP session died.
	ReasonPppFailed
	// ReasonIPConfigFailed means stage3 could not configure addressing.
	ReasonIPConfigFailed
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonConfigFailed:
		return "config-failed"
	case ReasonSupplicantFailed:
		return "supplicant-failed"
	case ReasonSupplicantConfigFailed:
		return "supplicant-config-failed"
	case ReasonSupplicantTimeout:
		return "supplicant-timeout"
	case ReasonSupplicantDisconnect:
		return "supplicant-disconnect"
	case ReasonNoSecrets:
		return "no-secrets"
	case ReasonDcbFcoeFailed:
		return "dcb-fcoe-failed"
	case ReasonPppStartFailed:
		return "ppp-start-failed"
	case ReasonPppFailed:
		return "ppp-failed"
	case ReasonIPConfigFailed:
		return "ip-config-failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the observer on every state change.
type Event struct {
	Interface string
	AttemptID string
	State     State
	Reason    FailureReason
}

// Lease is the result of automatic address configuration.
type Lease struct {
	Address *net.IPNet
	Gateway net.IP
	DNS     []net.IP
}

// Options tunes per-device behavior.
type Options struct {
	// AssocTimeout bounds supplicant association; zero uses the supplicant
	// package default.
	AssocTimeout time.Duration

	// AuthRetries bounds how many times authentication is retried before
	// the attempt fails with no-secrets.
	AuthRetries int

	// DHCPTimeout bounds automatic address configuration.
	DHCPTimeout time.Duration

	// ProbeGateway enables the post-configuration gateway reachability
	// probe. Probe failure is logged, never fatal.
	ProbeGateway bool

	// DHCP overrides the DHCP client, used by tests. Nil selects the real
	// client.
	DHCP func(ctx context.Context, ifname string) (*Lease, error)
}

const (
	defaultAuthRetries = 3
	defaultDHCPTimeout = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.AuthRetries <= 0 {
		o.AuthRetries = defaultAuthRetries
	}
	if o.DHCPTimeout <= 0 {
		o.DHCPTimeout = defaultDHCPTimeout
	}
	return o
}

// Snapshot is a point-in-time view of a device for status reporting.
type Snapshot struct {
	Interface string `json:"interface"`
	Ifindex   int    `json:"ifindex"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Profile   string `json:"profile,omitempty"`
	Carrier   bool   `json:"carrier"`
}
