// Package supplicant manages 802.1X/MACsec authentication sessions against
// an external supplicant daemon. The Manager owns daemon interfaces (one per
// process, shared by all devices); a Session ties one interface to one
// activation attempt and runs the associate/authenticate state machine.
package supplicant

import "time"

// InterfaceState is the state reported by the supplicant daemon for an
// interface.
type InterfaceState int

const (
	IfaceDisconnected InterfaceState = iota
	IfaceAssociating
	IfaceAssociated
	IfaceCompleted
	IfaceDown
)

func (s InterfaceState) String() string {
	switch s {
	case IfaceDisconnected:
		return "Disconnected"
	case IfaceAssociating:
		return "Associating"
	case IfaceAssociated:
		return "Associated"
	case IfaceCompleted:
		return "Completed"
	case IfaceDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// AuthState is the EAP authentication progress reported by the daemon,
// independent of the interface state.
type AuthState int

const (
	AuthUnknown AuthState = iota
	AuthStarted
	AuthSuccess
	AuthFailure
)

func (s AuthState) String() string {
	switch s {
	case AuthUnknown:
		return "Unknown"
	case AuthStarted:
		return "Started"
	case AuthSuccess:
		return "Success"
	case AuthFailure:
		return "Failure"
	default:
		return "Invalid"
	}
}

// AssocConfig carries the association parameters handed to the daemon.
type AssocConfig struct {
	EAP               []string
	Identity          string
	AnonymousIdentity string
	Password          string
	CACert            string
	ClientCert        string
	PrivateKey        string
	PrivateKeyPass    string
}

// SessionState is the state of an activation-scoped session.
type SessionState int

const (
	SessionStarting SessionState = iota
	SessionAssociating
	SessionAssociated
	SessionCompleted
	SessionFailed
	SessionDown
)

func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "Starting"
	case SessionAssociating:
		return "Associating"
	case SessionAssociated:
		return "Associated"
	case SessionCompleted:
		return "Completed"
	case SessionFailed:
		return "Failed"
	case SessionDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// TimeoutKind distinguishes the two session watchdogs.
type TimeoutKind int

const (
	// TimeoutAssociation fires when association never completes.
	TimeoutAssociation TimeoutKind = iota
	// TimeoutAuth fires when the link associated but authentication never
	// finished within the fixed auth wait.
	TimeoutAuth
)

func (k TimeoutKind) String() string {
	if k == TimeoutAssociation {
		return "association"
	}
	return "auth"
}

// FailKind distinguishes terminal session failures.
type FailKind int

const (
	// FailConfig means the daemon rejected the interface or association
	// request.
	FailConfig FailKind = iota
	// FailDown means the daemon reported the interface down.
	FailDown
)

// Timing constants. The auth wait is fixed; the association timeout is
// device-configurable and defaults here.
const (
	AuthWaitTimeout     = 15 * time.Second
	DefaultAssocTimeout = 25 * time.Second
)

// Callbacks receive session outcomes. Each is invoked without internal
// locks held; Ready is delivered at most once per session.
type Callbacks struct {
	Ready   func()
	Timeout func(kind TimeoutKind)
	Failed  func(kind FailKind, err error)
}

// Config configures a session.
type Config struct {
	Ifindex int
	Ifname  string
	Driver  string // "wired" or "macsec_linux"
	Assoc   AssocConfig

	// AssocTimeout bounds association; zero means DefaultAssocTimeout.
	AssocTimeout time.Duration
}

// Manager owns supplicant daemon interfaces. One Manager is shared by all
// activation contexts in the process; each context acquires exactly one
// Interface and must release it on teardown.
type Manager interface {
	// CreateInterface asks the daemon to take over the link. Completion is
	// delivered asynchronously via cb, exactly once.
	CreateInterface(ifindex int, ifname, driver string, cb func(Interface, error))

	// RemoveInterface releases a previously created interface.
	RemoveInterface(iface Interface)
}

// Interface is a handle on one daemon-managed link.
type Interface interface {
	Associate(cfg *AssocConfig) error
	Disconnect() error
	State() InterfaceState
	AuthState() AuthState

	// OnStateChanged registers the interface state callback. At most one
	// callback is registered per interface.
	OnStateChanged(func(InterfaceState))

	// OnAuthStateChanged registers the auth progress callback.
	OnAuthStateChanged(func(AuthState))
}
