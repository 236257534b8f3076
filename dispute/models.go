package dispute

import "time"

// Status represents the lifecycle of a dispute.
type Status string

const (
	StatusOpen     Status = "open"
	StatusVoting   Status = "voting"
	StatusResolved Status = "resolved"
)

// Choice is a single arbitrator's vote. Approve sides with the party who
// raised the dispute.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
)

// Outcome is the final resolution of a dispute.
type Outcome string

const (
	OutcomeApprovedRaiser  Outcome = "approved_raiser"
	OutcomeApprovedAgainst Outcome = "approved_against"
	// OutcomeNoMajority marks a true tie on an even panel with no votes
	// remaining; the dispute is flagged for manual override instead of
	// being left open.
	OutcomeNoMajority Outcome = "no_majority"
)

// Record mirrors the disputes table. The vote tallies are maintained
// incrementally in the same transaction as each vote append, so quorum
// detection never rescans the votes table.
type Record struct {
	ID           string
	EscrowID     string
	RaisedBy     string
	Against      string
	Status       Status
	PanelSize    int
	ApproveCount int
	RejectCount  int
	VotesCast    int
	Outcome      *Outcome
	Escalated    bool
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// Vote mirrors one dispute_votes row. Late votes arrived after resolution:
// they are kept for the record but never counted.
type Vote struct {
	DisputeID    string
	ArbitratorID string
	Choice       Choice
	Late         bool
	CastAt       time.Time
}

// Resolution carries a resolved dispute to the settlement coordinator.
type Resolution struct {
	DisputeID string
	EscrowID  string
	Outcome   Outcome
	RaisedBy  string
	Against   string
}
