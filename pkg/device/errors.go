package device

import "errors"

var (
	// ErrBadState is returned when Activate is called while the device is
	// neither Disconnected nor Failed.
	ErrBadState = errors.New("device: activate requires disconnected or failed state")

	// ErrNoProfile is returned when Activate is called without a profile.
	ErrNoProfile = errors.New("device: no profile")
)
