package provisioning

// State is the state of the registration state machine
type State int32

// all registration states
const (
	StateDisconnected State = iota
	StateInitializing
	StateRegistering
	StateWaitingToPoll
	StatePolling
	StateCompleted
	StateError
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateRegistering:
		return "registering"
	case StateWaitingToPoll:
		return "waiting_to_poll"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// active returns true while a registration is in progress
func (s State) active() bool {
	switch s {
	case StateInitializing, StateRegistering, StateWaitingToPoll, StatePolling:
		return true
	}
	return false
}
