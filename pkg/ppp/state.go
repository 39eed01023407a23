package ppp

// State is an RFC 1661 automaton state
type State int

const (
	StateInitial  State = iota // Lower layer unavailable, no Open
	StateStarting              // Lower layer unavailable, Open
	StateClosed                // Lower layer available, no Open
	StateStopped               // Open, waiting for Configure-Request
	StateClosing               // Terminate-Request sent
	StateStopping              // Terminate-Request sent (from Opened)
	StateReqSent               // Configure-Request sent
	StateAckRcvd               // Configure-Request sent, Configure-Ack received
	StateAckSent               // Configure-Request and Configure-Ack sent
	StateOpened                // Connection fully established
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// timed reports whether the restart timer runs in this state.
func (s State) timed() bool {
	switch s {
	case StateClosing, StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		return true
	}
	return false
}

// Phase is the link lifecycle phase
type Phase int

const (
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseTerminate
	PhaseAuthenticate
	PhaseNetwork
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "Dead"
	case PhaseEstablish:
		return "Establish"
	case PhaseTerminate:
		return "Terminate"
	case PhaseAuthenticate:
		return "Authenticate"
	case PhaseNetwork:
		return "Network"
	default:
		return "Unknown"
	}
}
