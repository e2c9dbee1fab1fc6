package secrets

import "errors"

// Handle correlates a request with its eventual response.
type Handle uint64

// Flags modify how the agent satisfies a request.
type Flags uint32

const (
	// FlagAllowInteraction permits the agent to prompt a user.
	FlagAllowInteraction Flags = 1 << iota
	// FlagRequestNew tells the agent that cached secrets failed and fresh
	// ones are needed.
	FlagRequestNew
)

// Request names the secrets an activation context needs. Owner identifies
// the requesting device; agents answer via Broker.Deliver with the same
// owner and handle.
type Request struct {
	Owner       string
	ProfileName string
	SettingName string
	Hints       []string
	Flags       Flags
}

// Secrets is the credential material returned by an agent, keyed by
// setting property name.
type Secrets map[string]string

// Outcome is the terminal result of a request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrNoAgent is returned when no agent can serve a request.
var ErrNoAgent = errors.New("no secret agent available")

// Agent is the pluggable secret source. GetSecrets is asynchronous: the
// agent answers by calling Broker.Deliver with the same handle.
type Agent interface {
	GetSecrets(handle Handle, req *Request)
	CancelSecrets(handle Handle)
}
