package negotiation

type State int

const (
	Idle State = iota
	Offering
	AwaitingAnswer
	Connected
	Renegotiating
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case AwaitingAnswer:
		return "awaiting-answer"
	case Connected:
		return "connected"
	case Renegotiating:
		return "renegotiating"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// hasLocalOffer reports whether an offer of ours is waiting for its answer.
func (s State) hasLocalOffer() bool {
	return s == AwaitingAnswer || s == Renegotiating
}

func (s State) terminal() bool {
	return s == Failed || s == Closed
}
