package model

// State is the position of a request in the worker pipeline.
//
//	AWAITING_REQUEST -> PARSED -> CONNECTING -> RELAYING -> LOGGED -> CLOSED
//
// Any state may move to REJECTED on failure; REJECTED is followed by CLOSED.
type State int

const (
	StateAwaitingRequest State = iota
	StateParsed
	StateConnecting
	StateRelaying
	StateLogged
	StateRejected
	StateClosed
)

var stateNames = [...]string{
	StateAwaitingRequest: "awaiting_request",
	StateParsed:          "parsed",
	StateConnecting:      "connecting",
	StateRelaying:        "relaying",
	StateLogged:          "logged",
	StateRejected:        "rejected",
	StateClosed:          "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
