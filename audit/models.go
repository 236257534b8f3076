package audit

import "time"

// Entry mirrors one row of the audit_entries table. Entries for a subject form
// a strict hash-linked sequence ordered by Seq.
type Entry struct {
	SubjectID     string
	Seq           int64
	Action        string
	Actor         string
	Payload       []byte
	PayloadDigest string
	PrevHash      string
	Hash          string
	CreatedAt     time.Time
}

// Receipt records a best-effort anchoring of a chain head to an external
// notarization ledger.
type Receipt struct {
	ID        string
	SubjectID string
	HeadSeq   int64
	HeadHash  string
	Reference string
	CreatedAt time.Time
}

// Verification is the result of recomputing a subject's chain.
type Verification struct {
	Valid    bool
	Entries  int
	BrokenAt *int64
}

// Well-known audit actions appended by the ledger, the arbitration engine and
// the settlement coordinator.
const (
	ActionEscrowCreated     = "ESCROW_CREATED"
	ActionFundsDeposited    = "FUNDS_DEPOSITED"
	ActionFundsReleased     = "FUNDS_RELEASED"
	ActionFundsRefunded     = "FUNDS_REFUNDED"
	ActionConditionsUpdated = "CONDITIONS_UPDATED"
	ActionDisputeOpened     = "DISPUTE_OPENED"
	ActionPanelAssigned     = "PANEL_ASSIGNED"
	ActionVoteCast          = "VOTE_CAST"
	ActionVoteRecordedLate  = "VOTE_RECORDED_LATE"
	ActionDisputeResolved   = "DISPUTE_RESOLVED"
	ActionDisputeEscalated  = "DISPUTE_ESCALATED"
	ActionSettlementPending = "SETTLEMENT_PENDING"
	ActionChainAnchored     = "CHAIN_ANCHORED"
)
