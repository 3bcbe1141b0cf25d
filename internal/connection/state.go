package connection

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle             State = iota // Never connected, or reconnect declined
	StateConnecting                    // Dial in flight
	StateOpen                          // Transport usable
	StatePendingReconnect              // Waiting for the reconnect timer
	StateClosed                        // Deliberately closed; terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StatePendingReconnect:
		return "pending_reconnect"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// event drives a State transition.
type event int

const (
	evConnect  event = iota // Caller Connect() or reconnect timer fired
	evOpened                // Dial succeeded
	evLost                  // Transport closed or dial failed; will retry
	evGiveUp                // Transport closed; ShouldReconnect declined
	evClose                 // Caller Close()
)

// next returns the state after applying e, and whether the transition is
// allowed. Disallowed transitions leave the state unchanged.
func (s State) next(e event) (State, bool) {
	if s == StateClosed {
		return s, false
	}

	switch e {
	case evClose:
		return StateClosed, true

	case evConnect:
		if s == StateIdle || s == StatePendingReconnect {
			return StateConnecting, true
		}

	case evOpened:
		if s == StateConnecting {
			return StateOpen, true
		}

	case evLost:
		if s == StateConnecting || s == StateOpen {
			return StatePendingReconnect, true
		}

	case evGiveUp:
		if s == StateConnecting || s == StateOpen || s == StatePendingReconnect {
			return StateIdle, true
		}
	}

	return s, false
}
