package httpapi

import (
	"encoding/json"
	"time"

	"escrowflow/arbiter"
	"escrowflow/audit"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// Wire representations. Domain structs stay annotation-free; the API layer
// owns the JSON shape.

type escrowView struct {
	ID          string          `json:"id"`
	PayerID     string          `json:"payer_id"`
	PayeeID     string          `json:"payee_id"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Conditions  []conditionView `json:"conditions,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DepositedAt *time.Time      `json:"deposited_at,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

type conditionView struct {
	Position  int    `json:"position"`
	Label     string `json:"label"`
	Satisfied bool   `json:"satisfied"`
}

func toEscrowView(t escrow.Transaction, conditions []escrow.Condition) escrowView {
	view := escrowView{
		ID:          t.ID,
		PayerID:     t.PayerID,
		PayeeID:     t.PayeeID,
		AmountCents: t.AmountCents,
		Currency:    t.Currency,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt,
		DepositedAt: t.DepositedAt,
		ResolvedAt:  t.ResolvedAt,
	}
	for _, c := range conditions {
		view.Conditions = append(view.Conditions, conditionView(c))
	}
	return view
}

type disputeView struct {
	ID           string     `json:"id"`
	EscrowID     string     `json:"escrow_id"`
	RaisedBy     string     `json:"raised_by"`
	Against      string     `json:"against"`
	Status       string     `json:"status"`
	PanelSize    int        `json:"panel_size"`
	ApproveCount int        `json:"approve_count"`
	RejectCount  int        `json:"reject_count"`
	VotesCast    int        `json:"votes_cast"`
	Outcome      *string    `json:"outcome,omitempty"`
	Escalated    bool       `json:"escalated"`
	Panel        []string   `json:"panel,omitempty"`
	Votes        []voteView `json:"votes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type voteView struct {
	ArbitratorID string    `json:"arbitrator_id"`
	Choice       string    `json:"choice"`
	Late         bool      `json:"late"`
	CastAt       time.Time `json:"cast_at"`
}

func toDisputeView(rec dispute.Record, panel []string, votes []dispute.Vote) disputeView {
	view := disputeView{
		ID:           rec.ID,
		EscrowID:     rec.EscrowID,
		RaisedBy:     rec.RaisedBy,
		Against:      rec.Against,
		Status:       string(rec.Status),
		PanelSize:    rec.PanelSize,
		ApproveCount: rec.ApproveCount,
		RejectCount:  rec.RejectCount,
		VotesCast:    rec.VotesCast,
		Escalated:    rec.Escalated,
		Panel:        panel,
		CreatedAt:    rec.CreatedAt,
		ResolvedAt:   rec.ResolvedAt,
	}
	if rec.Outcome != nil {
		outcome := string(*rec.Outcome)
		view.Outcome = &outcome
	}
	for _, v := range votes {
		view.Votes = append(view.Votes, voteView{
			ArbitratorID: v.ArbitratorID,
			Choice:       string(v.Choice),
			Late:         v.Late,
			CastAt:       v.CastAt,
		})
	}
	return view
}

type auditEntryView struct {
	Seq           int64           `json:"seq"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	Payload       json.RawMessage `json:"payload"`
	PayloadDigest string          `json:"payload_digest"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

type auditTrailView struct {
	SubjectID    string           `json:"subject_id"`
	Entries      []auditEntryView `json:"entries"`
	Verification verificationView `json:"verification"`
}

type verificationView struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt *int64 `json:"broken_at,omitempty"`
}

func toAuditTrailView(subjectID string, entries []audit.Entry, verification audit.Verification) auditTrailView {
	view := auditTrailView{
		SubjectID: subjectID,
		Entries:   make([]auditEntryView, 0, len(entries)),
		Verification: verificationView{
			Valid:    verification.Valid,
			Entries:  verification.Entries,
			BrokenAt: verification.BrokenAt,
		},
	}
	for _, e := range entries {
		view.Entries = append(view.Entries, auditEntryView{
			Seq:           e.Seq,
			Action:        e.Action,
			Actor:         e.Actor,
			Payload:       json.RawMessage(e.Payload),
			PayloadDigest: e.PayloadDigest,
			PrevHash:      e.PrevHash,
			Hash:          e.Hash,
			CreatedAt:     e.CreatedAt,
		})
	}
	return view
}

type arbiterView struct {
	ID       string  `json:"id"`
	FullName string  `json:"full_name"`
	Rating   float64 `json:"rating"`
}

func toArbiterViews(profiles []arbiter.Profile) []arbiterView {
	out := make([]arbiterView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, arbiterView{ID: p.ID, FullName: p.FullName, Rating: p.Rating})
	}
	return out
}
