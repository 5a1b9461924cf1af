package request

// terminatorState tracks progress through the "\r\n\r\n" sequence that ends
// a header block. Any unexpected byte resets it to stateNone; stateDone is
// absorbing.
type terminatorState int

const (
	stateNone terminatorState = iota
	stateFirstReturn
	stateFirstNewline
	stateSecondReturn
	stateDone
)

func (s terminatorState) step(b byte) terminatorState {
	switch s {
	case stateNone:
		if b == '\r' {
			return stateFirstReturn
		}
	case stateFirstReturn:
		if b == '\n' {
			return stateFirstNewline
		}
	case stateFirstNewline:
		if b == '\r' {
			return stateSecondReturn
		}
	case stateSecondReturn:
		if b == '\n' {
			return stateDone
		}
	case stateDone:
		return stateDone
	}
	return stateNone
}

func (s terminatorState) done() bool {
	return s == stateDone
}

func (s terminatorState) String() string {
	switch s {
	case stateNone:
		return "None"
	case stateFirstReturn:
		return "FirstReturn"
	case stateFirstNewline:
		return "FirstNewline"
	case stateSecondReturn:
		return "SecondReturn"
	case stateDone:
		return "SecondNewline"
	default:
		return "Unknown"
	}
}
