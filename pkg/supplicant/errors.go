package supplicant

import "errors"

var (
	// ErrDaemonUnavailable is returned when the supplicant daemon cannot
	// be reached.
	ErrDaemonUnavailable = errors.New("supplicant daemon unavailable")

	// ErrAssociationRejected is returned when the daemon refuses the
	// association configuration.
	ErrAssociationRejected = errors.New("association rejected")

	// ErrInterfaceDown is returned when the daemon reports the interface
	// down.
	ErrInterfaceDown = errors.New("supplicant interface down")
)
