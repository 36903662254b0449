package channel

// State is the channel's position in its connection lifecycle. The values
// are ordered: every state at or above Connected has a live transport, so a
// session can never be authenticated without being connected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Live reports whether the transport is up.
func (s State) Live() bool { return s >= Connected }

// Ready reports whether room operations may be sent: the transport is up and
// the server has accepted the credential.
func (s State) Ready() bool { return s == Authenticated }
