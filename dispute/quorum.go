package dispute

// Majority is the strict-majority threshold for a panel: the smallest vote
// count that can never be matched by the opposing side.
func Majority(panelSize int) int {
	return panelSize/2 + 1
}

// EvaluateQuorum decides whether the tallies resolve the dispute. Resolution
// triggers the instant either side reaches a strict majority; waiting for the
// remaining panelists would let a single absent arbitrator stall the dispute
// forever. A full even panel split ends in OutcomeNoMajority.
func EvaluateQuorum(panelSize, approve, reject, votesCast int) (Outcome, bool) {
	threshold := Majority(panelSize)
	switch {
	case approve >= threshold:
		return OutcomeApprovedRaiser, true
	case reject >= threshold:
		return OutcomeApprovedAgainst, true
	case votesCast >= panelSize:
		return OutcomeNoMajority, true
	default:
		return "", false
	}
}
