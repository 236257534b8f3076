package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"escrowflow/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the row access the ledger needs.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Transaction, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Transaction, error)
	ReplaceConditions(ctx context.Context, tx pgx.Tx, id string, items []Condition) error
	ListConditions(ctx context.Context, id string) ([]Condition, error)
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

// Service is the escrow ledger: it owns every mutation of an escrow
// transaction and guarantees each successful transition commits together with
// exactly one audit entry.
type Service struct {
	pool    TxBeginner
	store   Store
	auditor Auditor
	outbox  OutboxWriter
}

func NewService(pool TxBeginner, store Store, auditor Auditor, outbox OutboxWriter) *Service {
	return &Service{pool: pool, store: store, auditor: auditor, outbox: outbox}
}

// Create opens a new escrow in created state.
func (s *Service) Create(ctx context.Context, actor string, params CreateParams) (Transaction, error) {
	if params.PayerID == "" || params.PayeeID == "" {
		return Transaction{}, fmt.Errorf("%w: payer and payee required", ErrInvalidArgument)
	}
	if params.PayerID == params.PayeeID {
		return Transaction{}, fmt.Errorf("%w: payer and payee must differ", ErrInvalidArgument)
	}
	if params.AmountCents <= 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	params.Currency = strings.ToUpper(strings.TrimSpace(params.Currency))
	if len(params.Currency) != 3 {
		return Transaction{}, fmt.Errorf("%w: invalid currency %q", ErrInvalidArgument, params.Currency)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.Insert(ctx, tx, params)
	if err != nil {
		return Transaction{}, err
	}

	if _, err := s.auditor.Append(ctx, tx, rec.ID, audit.ActionEscrowCreated, actor, map[string]any{
		"payer_id":     rec.PayerID,
		"payee_id":     rec.PayeeID,
		"amount_cents": rec.AmountCents,
		"currency":     rec.Currency,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

// Deposit moves created -> deposited. Calling it twice fails on the second
// call with ErrInvalidStateTransition and writes nothing; the transaction id
// itself is the idempotency key.
func (s *Service) Deposit(ctx context.Context, id, actor string) (Transaction, error) {
	return s.transition(ctx, id, actor, StatusCreated, StatusDeposited, audit.ActionFundsDeposited)
}

// Release moves deposited -> released on the direct, undisputed path.
func (s *Service) Release(ctx context.Context, id, actor string) (Transaction, error) {
	return s.transition(ctx, id, actor, StatusDeposited, StatusReleased, audit.ActionFundsReleased)
}

// Refund moves deposited -> refunded on the direct, undisputed path.
func (s *Service) Refund(ctx context.Context, id, actor string) (Transaction, error) {
	return s.transition(ctx, id, actor, StatusDeposited, StatusRefunded, audit.ActionFundsRefunded)
}

func (s *Service) transition(ctx context.Context, id, actor string, from, to Status, action string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if current.Status != from {
		return Transaction{}, ErrInvalidStateTransition
	}

	rec, err := s.store.SetStatus(ctx, tx, id, from, to)
	if err != nil {
		return Transaction{}, err
	}

	if _, err := s.auditor.Append(ctx, tx, id, action, actor, map[string]any{
		"from": string(from),
		"to":   string(to),
	}); err != nil {
		return Transaction{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, "notify.escrow", map[string]any{
		"escrow_id":  id,
		"event":      action,
		"recipients": []string{rec.PayerID, rec.PayeeID},
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit %s: %w", action, err)
	}
	return rec, nil
}

// UpdateConditions replaces the checklist while funds have not been settled.
func (s *Service) UpdateConditions(ctx context.Context, id, actor string, items []Condition) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Status != StatusCreated && rec.Status != StatusDeposited {
		return Transaction{}, ErrInvalidStateTransition
	}

	if err := s.store.ReplaceConditions(ctx, tx, id, items); err != nil {
		return Transaction{}, err
	}

	if _, err := s.auditor.Append(ctx, tx, id, audit.ActionConditionsUpdated, actor, map[string]any{
		"count": len(items),
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit conditions: %w", err)
	}
	return rec, nil
}

// Lock fetches the escrow under its row lock inside the caller's
// transaction, entering the per-identity critical section.
func (s *Service) Lock(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	return s.store.GetForUpdate(ctx, tx, id)
}

// MarkDisputed moves deposited -> disputed inside the caller's transaction.
// Invoked by the arbitration engine while it holds the escrow row lock.
func (s *Service) MarkDisputed(ctx context.Context, tx pgx.Tx, id, actor, disputeID string) (Transaction, error) {
	rec, err := s.store.SetStatus(ctx, tx, id, StatusDeposited, StatusDisputed)
	if err != nil {
		return Transaction{}, err
	}
	if _, err := s.auditor.Append(ctx, tx, id, audit.ActionDisputeOpened, actor, map[string]any{
		"dispute_id": disputeID,
	}); err != nil {
		return Transaction{}, err
	}
	return rec, nil
}

// Settle applies the arbitrated transition disputed -> released|refunded
// inside the caller's transaction. Only the settlement coordinator calls
// this; the dispute outcome travels in the audit payload.
func (s *Service) Settle(ctx context.Context, tx pgx.Tx, id string, to Status, actor, disputeID, outcome string) (Transaction, error) {
	if to != StatusReleased && to != StatusRefunded {
		return Transaction{}, ErrInvalidStateTransition
	}

	rec, err := s.store.SetStatus(ctx, tx, id, StatusDisputed, to)
	if err != nil {
		return Transaction{}, err
	}

	action := audit.ActionFundsReleased
	if to == StatusRefunded {
		action = audit.ActionFundsRefunded
	}
	if _, err := s.auditor.Append(ctx, tx, id, action, actor, map[string]any{
		"dispute_id": disputeID,
		"outcome":    outcome,
	}); err != nil {
		return Transaction{}, err
	}
	return rec, nil
}

// Get returns the escrow with its checklist.
func (s *Service) Get(ctx context.Context, id string) (Transaction, []Condition, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Transaction{}, nil, err
	}
	conditions, err := s.store.ListConditions(ctx, id)
	if err != nil {
		return Transaction{}, nil, err
	}
	return rec, conditions, nil
}
