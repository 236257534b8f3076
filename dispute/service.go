package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
	"escrowflow/escrow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the row access the engine needs.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Insert(ctx context.Context, tx pgx.Tx, escrowID, raisedBy, against string, panelSize int) (Record, error)
	AssignPanel(ctx context.Context, tx pgx.Tx, disputeID string, arbitratorIDs []string) error
	IsPanelist(ctx context.Context, tx pgx.Tx, disputeID, arbitratorID string) (bool, error)
	InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error
	ApplyVote(ctx context.Context, tx pgx.Tx, disputeID string, choice Choice) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, outcome Outcome, escalated bool) (Record, error)
	ListVotes(ctx context.Context, disputeID string) ([]Vote, error)
	Panel(ctx context.Context, disputeID string) ([]string, error)
}

// Ledger is the slice of the escrow service the engine uses: locking the
// escrow row and flipping it to disputed inside the shared transaction.
type Ledger interface {
	Lock(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, id, actor, disputeID string) (escrow.Transaction, error)
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

// Settler applies the ledger side of a resolved dispute inside the same
// transaction. Implemented by the settlement coordinator.
type Settler interface {
	Resolve(ctx context.Context, tx pgx.Tx, res Resolution) error
}

// EventPublisher emits real-time events after the transaction commits.
type EventPublisher interface {
	Publish(subject, event string, payload map[string]any)
}

// DefaultPanelSize is the arbitration quorum used unless configured otherwise.
const DefaultPanelSize = 3

// Service is the arbitration engine: dispute lifecycle, panel assignment,
// vote collection and quorum evaluation. All mutations for one dispute run
// under its escrow row lock, so votes never interleave with ledger
// transitions on the same transaction.
type Service struct {
	pool      TxBeginner
	store     Store
	ledger    Ledger
	auditor   Auditor
	outbox    OutboxWriter
	settler   Settler
	events    EventPublisher
	panelSize int
}

func NewService(pool TxBeginner, store Store, ledger Ledger, auditor Auditor, outbox OutboxWriter, settler Settler, events EventPublisher) *Service {
	return &Service{
		pool:      pool,
		store:     store,
		ledger:    ledger,
		auditor:   auditor,
		outbox:    outbox,
		settler:   settler,
		events:    events,
		panelSize: DefaultPanelSize,
	}
}

// WithPanelSize overrides the quorum size for newly opened disputes.
func (s *Service) WithPanelSize(n int) *Service {
	if n > 0 {
		s.panelSize = n
	}
	return s
}

// OpenParams carries the inputs for raising a dispute.
type OpenParams struct {
	EscrowID string
	RaisedBy string
	Against  string
}

// Open raises a dispute against a deposited escrow: creates the dispute,
// flips the escrow to disputed and appends audit entries on both subjects,
// all in one transaction.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.EscrowID == "" || params.RaisedBy == "" || params.Against == "" {
		return Record{}, fmt.Errorf("%w: escrow id and both parties required", ErrInvalidArgument)
	}
	if params.RaisedBy == params.Against {
		return Record{}, fmt.Errorf("%w: cannot dispute against oneself", ErrInvalidArgument)
	}

	// The mutation runs to completion even if the caller walks away.
	ctx = context.WithoutCancel(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	escrowRec, err := s.ledger.Lock(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	parties := map[string]bool{escrowRec.PayerID: true, escrowRec.PayeeID: true}
	if !parties[params.RaisedBy] || !parties[params.Against] {
		return Record{}, fmt.Errorf("%w: parties must match the escrow transaction", ErrInvalidArgument)
	}

	rec, err := s.store.Insert(ctx, tx, params.EscrowID, params.RaisedBy, params.Against, s.panelSize)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.ledger.MarkDisputed(ctx, tx, params.EscrowID, params.RaisedBy, rec.ID); err != nil {
		return Record{}, err
	}

	if _, err := s.auditor.Append(ctx, tx, rec.ID, audit.ActionDisputeOpened, params.RaisedBy, map[string]any{
		"escrow_id": params.EscrowID,
		"against":   params.Against,
	}); err != nil {
		return Record{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "notify.dispute", map[string]any{
		"dispute_id": rec.ID,
		"event":      audit.ActionDisputeOpened,
		"recipients": []string{rec.RaisedBy, rec.Against},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// AssignPanel fixes the arbitrator panel and moves the dispute to voting.
func (s *Service) AssignPanel(ctx context.Context, disputeID string, arbitratorIDs []string, actor string) (Record, error) {
	ctx = context.WithoutCancel(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	switch rec.Status {
	case StatusOpen:
	case StatusResolved:
		return Record{}, ErrDisputeAlreadyResolved
	default:
		return Record{}, ErrDisputeNotOpen
	}

	if len(arbitratorIDs) != rec.PanelSize {
		return Record{}, ErrPanelSizeMismatch
	}
	seen := make(map[string]bool, len(arbitratorIDs))
	for _, id := range arbitratorIDs {
		if id == "" || seen[id] {
			return Record{}, ErrPanelSizeMismatch
		}
		if id == rec.RaisedBy || id == rec.Against {
			return Record{}, fmt.Errorf("%w: party %s cannot arbitrate its own dispute", ErrInvalidArgument, id)
		}
		seen[id] = true
	}

	if err := s.store.AssignPanel(ctx, tx, disputeID, arbitratorIDs); err != nil {
		return Record{}, err
	}
	rec.Status = StatusVoting

	if _, err := s.auditor.Append(ctx, tx, disputeID, audit.ActionPanelAssigned, actor, map[string]any{
		"panel": arbitratorIDs,
	}); err != nil {
		return Record{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "notify.dispute", map[string]any{
		"dispute_id": disputeID,
		"event":      audit.ActionPanelAssigned,
		"recipients": arbitratorIDs,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit panel: %w", err)
	}
	return rec, nil
}

// CastVote records an arbitrator's vote and evaluates the quorum. Resolution
// triggers the instant either outcome reaches a strict majority; the caller
// whose vote crosses the threshold performs the resolution and settlement in
// its own transaction. Votes arriving after resolution are written for the
// record with late = true and reported as ErrDisputeAlreadyResolved.
func (s *Service) CastVote(ctx context.Context, disputeID, arbitratorID string, choice Choice) (Record, error) {
	if choice != ChoiceApprove && choice != ChoiceReject {
		return Record{}, fmt.Errorf("%w: invalid choice %q", ErrInvalidArgument, choice)
	}

	ctx = context.WithoutCancel(ctx)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}

	onPanel, err := s.store.IsPanelist(ctx, tx, disputeID, arbitratorID)
	if err != nil {
		return Record{}, err
	}
	if !onPanel {
		return Record{}, ErrNotAPanelist
	}

	if rec.Status == StatusResolved {
		return s.recordLateVote(ctx, tx, rec, arbitratorID, choice)
	}
	if rec.Status != StatusVoting {
		return Record{}, ErrDisputeNotVoting
	}

	if err := s.store.InsertVote(ctx, tx, Vote{DisputeID: disputeID, ArbitratorID: arbitratorID, Choice: choice}); err != nil {
		return Record{}, err
	}

	rec, err = s.store.ApplyVote(ctx, tx, disputeID, choice)
	if err != nil {
		return Record{}, err
	}

	if _, err := s.auditor.Append(ctx, tx, disputeID, audit.ActionVoteCast, arbitratorID, map[string]any{
		"choice":        string(choice),
		"approve_count": rec.ApproveCount,
		"reject_count":  rec.RejectCount,
		"votes_cast":    rec.VotesCast,
	}); err != nil {
		return Record{}, err
	}

	outcome, done := EvaluateQuorum(rec.PanelSize, rec.ApproveCount, rec.RejectCount, rec.VotesCast)
	if done {
		rec, err = s.resolve(ctx, tx, rec, outcome, arbitratorID)
		if err != nil {
			return Record{}, err
		}
	} else if err := s.outbox.Enqueue(ctx, tx, "notify.dispute", map[string]any{
		"dispute_id": disputeID,
		"event":      audit.ActionVoteCast,
		"recipients": []string{rec.RaisedBy, rec.Against},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit vote: %w", err)
	}

	s.events.Publish(disputeID, "vote-cast", map[string]any{
		"arbitrator_id": arbitratorID,
		"choice":        string(choice),
	})
	if done {
		payload := map[string]any{"dispute_id": disputeID, "outcome": string(outcome)}
		s.events.Publish(disputeID, "dispute-resolved", payload)
		s.events.Publish(rec.EscrowID, "dispute-resolved", payload)
	}
	return rec, nil
}

// recordLateVote keeps the straggler's vote for the audit record without
// touching the tally or the outcome.
func (s *Service) recordLateVote(ctx context.Context, tx pgx.Tx, rec Record, arbitratorID string, choice Choice) (Record, error) {
	err := s.store.InsertVote(ctx, tx, Vote{DisputeID: rec.ID, ArbitratorID: arbitratorID, Choice: choice, Late: true})
	if err != nil {
		return Record{}, err
	}
	if _, err := s.auditor.Append(ctx, tx, rec.ID, audit.ActionVoteRecordedLate, arbitratorID, map[string]any{
		"choice": string(choice),
	}); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit late vote: %w", err)
	}
	return rec, ErrDisputeAlreadyResolved
}

func (s *Service) resolve(ctx context.Context, tx pgx.Tx, rec Record, outcome Outcome, triggeredBy string) (Record, error) {
	escalated := outcome == OutcomeNoMajority

	rec, err := s.store.MarkResolved(ctx, tx, rec.ID, outcome, escalated)
	if err != nil {
		return Record{}, err
	}

	if escalated {
		if _, err := s.auditor.Append(ctx, tx, rec.ID, audit.ActionDisputeEscalated, triggeredBy, map[string]any{
			"approve_count": rec.ApproveCount,
			"reject_count":  rec.RejectCount,
		}); err != nil {
			return Record{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, "notify.admin", map[string]any{
			"dispute_id": rec.ID,
			"event":      audit.ActionDisputeEscalated,
		}); err != nil {
			return Record{}, err
		}
		return rec, nil
	}

	if _, err := s.auditor.Append(ctx, tx, rec.ID, audit.ActionDisputeResolved, triggeredBy, map[string]any{
		"outcome":       string(outcome),
		"approve_count": rec.ApproveCount,
		"reject_count":  rec.RejectCount,
	}); err != nil {
		return Record{}, err
	}

	if err := s.settler.Resolve(ctx, tx, Resolution{
		DisputeID: rec.ID,
		EscrowID:  rec.EscrowID,
		Outcome:   outcome,
		RaisedBy:  rec.RaisedBy,
		Against:   rec.Against,
	}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the dispute with its panel and votes.
func (s *Service) Get(ctx context.Context, id string) (Record, []string, []Vote, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, nil, nil, err
	}
	panel, err := s.store.Panel(ctx, id)
	if err != nil {
		return Record{}, nil, nil, err
	}
	votes, err := s.store.ListVotes(ctx, id)
	if err != nil {
		return Record{}, nil, nil, err
	}
	return rec, panel, votes, nil
}
