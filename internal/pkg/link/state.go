package link

// State is the connection link's lifecycle state.
type State uint8

const (
	StateConnecting State = iota
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
