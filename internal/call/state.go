package call

// State is the call lifecycle phase. All transitions funnel through the
// controller's run loop, so the whole lifecycle is observable as a single
// ordered stream (see Controller.Transitions).
type State int

const (
	// StateIdle: joined (or joining) the room, no call partner yet.
	StateIdle State = iota

	// StateRinging: we placed the call and await the partner's answer.
	StateRinging

	// StateAwaitingOffer: a partner was already present when we joined;
	// their offer opens the call.
	StateAwaitingOffer

	// StateNegotiating: the opening offer/answer round is being applied.
	StateNegotiating

	// StateActive: the session is established. Track changes renegotiate
	// without leaving this state.
	StateActive

	// StateEnded: terminal. Media capture and the peer connection are
	// released on entry, whatever path led here.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Transition is one audited state change.
type Transition struct {
	From   State
	To     State
	Reason string
}
