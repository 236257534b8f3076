package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

// actorName identifies the coordinator in audit entries.
const actorName = "settlement-coordinator"

// ErrNotSettleable is returned by Retry when the dispute has no fund-moving
// outcome to apply.
var ErrNotSettleable = errors.New("settlement: dispute outcome is not settleable")

// Ledger is the slice of the escrow service the coordinator drives.
type Ledger interface {
	Lock(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error)
	Settle(ctx context.Context, tx pgx.Tx, id string, to escrow.Status, actor, disputeID, outcome string) (escrow.Transaction, error)
}

// Disputes is the read access Retry needs to replay a stuck settlement.
type Disputes interface {
	Get(ctx context.Context, id string) (dispute.Record, error)
}

// Auditor appends an entry to the subject's hash chain inside the caller's
// transaction.
type Auditor interface {
	Append(ctx context.Context, tx pgx.Tx, subjectID, action, actor string, payload map[string]any) (audit.Entry, error)
}

// OutboxWriter enqueues a side-effect message inside the caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Policy maps the winning party to the ledger transition target.
type Policy func(winner string, t escrow.Transaction) escrow.Status

// FundsToWinner is the default policy: the held funds follow the prevailing
// party, back to the payer as a refund or on to the payee as a release.
func FundsToWinner(winner string, t escrow.Transaction) escrow.Status {
	if winner == t.PayerID {
		return escrow.StatusRefunded
	}
	return escrow.StatusReleased
}

// Coordinator owns the cross-entity transition from a resolved dispute to a
// settled escrow. Dispute outcome and fund movement are deliberately
// decoupled: if the ledger rejects the transition, the dispute stays
// resolved and the settlement is parked for administrative retry instead of
// producing a contradictory dispute state.
type Coordinator struct {
	pool     TxBeginner
	ledger   Ledger
	disputes Disputes
	auditor  Auditor
	outbox   OutboxWriter
	policy   Policy
}

func NewCoordinator(pool TxBeginner, ledger Ledger, disputes Disputes, auditor Auditor, outbox OutboxWriter) *Coordinator {
	return &Coordinator{
		pool:     pool,
		ledger:   ledger,
		disputes: disputes,
		auditor:  auditor,
		outbox:   outbox,
		policy:   FundsToWinner,
	}
}

// WithPolicy overrides the outcome-to-transition mapping.
func (c *Coordinator) WithPolicy(p Policy) *Coordinator {
	if p != nil {
		c.policy = p
	}
	return c
}

// Resolve settles the escrow for a freshly resolved dispute inside the
// arbitration engine's transaction; the escrow row lock is already held.
// A state-level ledger rejection degrades to a SETTLEMENT_PENDING record and
// never fails the caller's vote.
func (c *Coordinator) Resolve(ctx context.Context, tx pgx.Tx, res dispute.Resolution) error {
	winner, loser := res.RaisedBy, res.Against
	if res.Outcome == dispute.OutcomeApprovedAgainst {
		winner, loser = res.Against, res.RaisedBy
	}

	escrowRec, err := c.ledger.Lock(ctx, tx, res.EscrowID)
	if err != nil {
		return err
	}
	target := c.policy(winner, escrowRec)

	_, err = c.ledger.Settle(ctx, tx, res.EscrowID, target, actorName, res.DisputeID, string(res.Outcome))
	if err != nil {
		if !errors.Is(err, escrow.ErrInvalidStateTransition) {
			return err
		}
		// Ledger refused the transition after the dispute resolved. Keep
		// the resolution, park the settlement.
		if _, err := c.auditor.Append(ctx, tx, res.EscrowID, audit.ActionSettlementPending, actorName, map[string]any{
			"dispute_id": res.DisputeID,
			"outcome":    string(res.Outcome),
		}); err != nil {
			return err
		}
		return c.outbox.Enqueue(ctx, tx, "settlement.retry", map[string]any{
			"escrow_id":  res.EscrowID,
			"dispute_id": res.DisputeID,
			"outcome":    string(res.Outcome),
		})
	}

	if err := c.outbox.Enqueue(ctx, tx, "reputation.adjust", map[string]any{
		"user_id": winner, "tag": "dispute-win",
	}); err != nil {
		return err
	}
	if err := c.outbox.Enqueue(ctx, tx, "reputation.adjust", map[string]any{
		"user_id": loser, "tag": "dispute-loss",
	}); err != nil {
		return err
	}
	if err := c.outbox.Enqueue(ctx, tx, "notify.escrow", map[string]any{
		"escrow_id":  res.EscrowID,
		"event":      "SETTLED",
		"outcome":    string(res.Outcome),
		"recipients": []string{res.RaisedBy, res.Against},
	}); err != nil {
		return err
	}
	// Settled chains get their head notarized once the dust settles.
	return c.outbox.Enqueue(ctx, tx, "audit.anchor", map[string]any{
		"subject_id": res.EscrowID,
	})
}

// Retry replays a parked settlement in its own transaction. Used by the
// administrative endpoint after a SETTLEMENT_PENDING record.
func (c *Coordinator) Retry(ctx context.Context, disputeID string) (escrow.Transaction, error) {
	rec, err := c.disputes.Get(ctx, disputeID)
	if err != nil {
		return escrow.Transaction{}, err
	}
	if rec.Status != dispute.StatusResolved || rec.Outcome == nil || *rec.Outcome == dispute.OutcomeNoMajority {
		return escrow.Transaction{}, ErrNotSettleable
	}

	ctx = context.WithoutCancel(ctx)

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return escrow.Transaction{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	winner := rec.RaisedBy
	if *rec.Outcome == dispute.OutcomeApprovedAgainst {
		winner = rec.Against
	}

	escrowRec, err := c.ledger.Lock(ctx, tx, rec.EscrowID)
	if err != nil {
		return escrow.Transaction{}, err
	}
	target := c.policy(winner, escrowRec)

	settled, err := c.ledger.Settle(ctx, tx, rec.EscrowID, target, actorName, rec.ID, string(*rec.Outcome))
	if err != nil {
		return escrow.Transaction{}, err
	}

	if err := c.outbox.Enqueue(ctx, tx, "audit.anchor", map[string]any{
		"subject_id": rec.EscrowID,
	}); err != nil {
		return escrow.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Transaction{}, fmt.Errorf("settlement: commit retry: %w", err)
	}
	return settled, nil
}
