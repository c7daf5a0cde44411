package negotiator

// State is the negotiation phase with one remote peer. Every transition goes
// through Negotiator.transition, so the lifecycle is auditable from a single
// debug log stream.
type State int

const (
	// StateIdle: no round has run yet.
	StateIdle State = iota

	// StateOfferSent: a local offer is in flight, awaiting the peer's answer.
	StateOfferSent

	// StateAnswerPending: a remote offer has been applied and the local
	// answer is being produced.
	StateAnswerPending

	// StateStable: the last round completed on both sides.
	StateStable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateStable:
		return "stable"
	default:
		return "unknown"
	}
}
