package tunnel

// State is the lifecycle position of a single tunnel.
//
// A tunnel moves Dialing → Handshaking → Relaying → Closed, or into Failed
// from any of the first three. Closed and Failed are terminal.
type State int

const (
	Dialing State = iota
	Handshaking
	Relaying
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}
