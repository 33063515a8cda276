package feed

// State is the lifecycle of the feed connection.
type State int

const (
	Connecting State = iota
	Open
	ClosedAuto   // dropped; a reconnect is scheduled
	ClosedManual // killed; waits for Restart
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case ClosedAuto:
		return "closed-auto"
	case ClosedManual:
		return "closed-manual"
	default:
		return "unknown"
	}
}

// Status is a point-in-time copy of the session's control state.
type Status struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Market    string    `json:"market"`
	GroupSize float64   `json:"group_size"`
	Groups    []float64 `json:"groups"`
	Killed    bool      `json:"killed"`
}
