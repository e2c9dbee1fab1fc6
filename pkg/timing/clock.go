// Package timing provides the cancelable single-shot timer primitive shared
// by the activation state machines, behind a Clock interface so the long
// fixed timeouts (15s auth wait, 7s PPPoE backoff) are testable.
package timing

import "time"

// Timer is a cancelable single-shot timer.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still
	// pending; false means the callback already ran or was stopped.
	Stop() bool
}

// Clock abstracts wall-clock time and timer creation.
type Clock interface {
	Now() time.Time
	// AfterFunc arms a single-shot timer that calls f on its own goroutine
	// after d elapses.
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// System returns the real wall-clock backed Clock.
func System() Clock { return systemClock{} }
