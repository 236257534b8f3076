package escrow

// transitions enumerates the legal state machine edges. The arbitrated edges
// out of disputed are only reachable through Settle, which additionally
// requires a dispute outcome.
var transitions = map[Status][]Status{
	StatusCreated:   {StatusDeposited},
	StatusDeposited: {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed:  {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
