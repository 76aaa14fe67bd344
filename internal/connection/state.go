// Package connection keeps one STOMP session to a progress endpoint alive. A pure state
// machine decides what to do on each event; Manager carries out its effects.
package connection

// State is the lifecycle phase of the managed connection.
type State int

const (
	Uninstantiated State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninstantiated:
		return "uninstantiated"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is the human-readable status string shown to users.
func (s State) Status() string {
	switch s {
	case Uninstantiated:
		return "not connected"
	case Connecting:
		return "connecting"
	case Open:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "disconnected"
	default:
		return "unknown"
	}
}
