package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidStateTransition signals the requested edge is not in the
	// state machine from the row's current status.
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	// ErrInvalidArgument signals a request rejected before any write.
	ErrInvalidArgument = errors.New("escrow: invalid argument")
)

const txColumns = `id, payer_id, payee_id, amount_cents, currency, status::text, created_at, deposited_at, resolved_at, updated_at`

// Repository provides row access for escrow transactions. Mutating methods
// take the caller's pgx.Tx so the status change, its audit append and any
// outbox writes commit atomically.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.PayerID, &t.PayeeID, &t.AmountCents, &t.Currency, &t.Status,
		&t.CreatedAt, &t.DepositedAt, &t.ResolvedAt, &t.UpdatedAt)
	return t, err
}

// GetForUpdate locks the escrow row for the remainder of the transaction.
// Every mutation of the escrow or its dispute starts here; the row lock is
// the per-identity critical section.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	// A malformed id can never match a uuid column; report it as absent
	// instead of surfacing a postgres cast error.
	if uuid.Validate(id) != nil {
		return Transaction{}, ErrNotFound
	}
	row := tx.QueryRow(ctx, `SELECT `+txColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: lock row: %w", err)
	}
	return t, nil
}

// Get fetches an escrow without locking.
func (r *Repository) Get(ctx context.Context, id string) (Transaction, error) {
	if uuid.Validate(id) != nil {
		return Transaction{}, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM escrows WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: query by id: %w", err)
	}
	return t, nil
}

// Insert creates the escrow row and its checklist.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params CreateParams) (Transaction, error) {
	if uuid.Validate(params.PayerID) != nil || uuid.Validate(params.PayeeID) != nil {
		return Transaction{}, fmt.Errorf("%w: party ids must be uuids", ErrInvalidArgument)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO escrows (payer_id, payee_id, amount_cents, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING `+txColumns+`
	`, params.PayerID, params.PayeeID, params.AmountCents, params.Currency)
	t, err := scanTransaction(row)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: insert: %w", err)
	}

	for i, label := range params.Conditions {
		if _, err := tx.Exec(ctx, `
			INSERT INTO escrow_conditions (escrow_id, position, label)
			VALUES ($1, $2, $3)
		`, t.ID, i+1, label); err != nil {
			return Transaction{}, fmt.Errorf("escrow: insert condition: %w", err)
		}
	}
	return t, nil
}

// SetStatus applies the status change on an already-locked row. The WHERE
// clause re-checks the source status so a programming error upstream can
// never skip an edge.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, from, to Status) (Transaction, error) {
	row := tx.QueryRow(ctx, `
		UPDATE escrows
		SET status = $1::escrow_status,
		    deposited_at = CASE WHEN $1 = 'deposited' THEN now() ELSE deposited_at END,
		    resolved_at  = CASE WHEN $1 IN ('released', 'refunded') THEN now() ELSE resolved_at END,
		    updated_at   = now()
		WHERE id = $2 AND status = $3::escrow_status
		RETURNING `+txColumns+`
	`, string(to), id, string(from))
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrInvalidStateTransition
		}
		return Transaction{}, fmt.Errorf("escrow: update status: %w", err)
	}
	return t, nil
}

// ReplaceConditions swaps the checklist for the given items.
func (r *Repository) ReplaceConditions(ctx context.Context, tx pgx.Tx, id string, items []Condition) error {
	if _, err := tx.Exec(ctx, `DELETE FROM escrow_conditions WHERE escrow_id = $1`, id); err != nil {
		return fmt.Errorf("escrow: clear conditions: %w", err)
	}
	for _, item := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO escrow_conditions (escrow_id, position, label, satisfied)
			VALUES ($1, $2, $3, $4)
		`, id, item.Position, item.Label, item.Satisfied); err != nil {
			return fmt.Errorf("escrow: insert condition: %w", err)
		}
	}
	return nil
}

// ListConditions returns the checklist in order.
func (r *Repository) ListConditions(ctx context.Context, id string) ([]Condition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT position, label, satisfied
		FROM escrow_conditions
		WHERE escrow_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: list conditions: %w", err)
	}
	defer rows.Close()

	out := make([]Condition, 0, 8)
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.Position, &c.Label, &c.Satisfied); err != nil {
			return nil, fmt.Errorf("escrow: scan condition: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate conditions: %w", err)
	}
	return out, nil
}
