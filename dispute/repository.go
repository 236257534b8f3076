package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no dispute row exists for the identifier.
	ErrNotFound = errors.New("dispute: not found")
	// ErrDuplicateDispute signals an open or voting dispute already exists
	// for the escrow transaction.
	ErrDuplicateDispute = errors.New("dispute: active dispute already exists")
	// ErrDuplicateVote signals the arbitrator already voted on this dispute.
	ErrDuplicateVote = errors.New("dispute: arbitrator already voted")
	// ErrNotAPanelist signals the voter is not on the assigned panel.
	ErrNotAPanelist = errors.New("dispute: not a panelist")
	// ErrDisputeNotOpen signals a panel assignment on a dispute that is not open.
	ErrDisputeNotOpen = errors.New("dispute: not open")
	// ErrDisputeNotVoting signals a vote on a dispute that is not collecting votes.
	ErrDisputeNotVoting = errors.New("dispute: not in voting")
	// ErrDisputeAlreadyResolved signals the dispute was resolved before this
	// operation took effect.
	ErrDisputeAlreadyResolved = errors.New("dispute: already resolved")
	// ErrPanelSizeMismatch signals the assigned panel does not match the
	// configured quorum size.
	ErrPanelSizeMismatch = errors.New("dispute: panel size mismatch")
	// ErrInvalidArgument signals a request rejected before any write.
	ErrInvalidArgument = errors.New("dispute: invalid argument")
)

const disputeColumns = `d.id, d.escrow_id, d.raised_by, d.against, d.status::text, d.panel_size,
	d.approve_count, d.reject_count, d.votes_cast, d.outcome::text, d.escalated, d.created_at, d.resolved_at`

// Repository provides row access for disputes, panels and votes. Mutating
// methods run inside the caller's transaction, which must already hold the
// linked escrow row lock.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanDispute(row pgx.Row) (Record, error) {
	var (
		rec     Record
		outcome *string
	)
	err := row.Scan(&rec.ID, &rec.EscrowID, &rec.RaisedBy, &rec.Against, &rec.Status, &rec.PanelSize,
		&rec.ApproveCount, &rec.RejectCount, &rec.VotesCast, &outcome, &rec.Escalated, &rec.CreatedAt, &rec.ResolvedAt)
	if outcome != nil {
		o := Outcome(*outcome)
		rec.Outcome = &o
	}
	return rec, err
}

// GetForUpdate locks both the dispute row and its escrow row in one
// statement, entering the per-transaction critical section shared with the
// ledger.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	// A malformed id can never match a uuid column; report it as absent
	// instead of surfacing a postgres cast error.
	if uuid.Validate(id) != nil {
		return Record{}, ErrNotFound
	}
	row := tx.QueryRow(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes d
		JOIN escrows e ON e.id = d.escrow_id
		WHERE d.id = $1
		FOR UPDATE
	`, id)
	rec, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return rec, nil
}

// Get fetches a dispute without locking.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	if uuid.Validate(id) != nil {
		return Record{}, ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1`, id)
	rec, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: query by id: %w", err)
	}
	return rec, nil
}

// Insert creates the dispute row. The partial unique index on unresolved
// disputes turns a second open dispute for the same escrow into
// ErrDuplicateDispute.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, escrowID, raisedBy, against string, panelSize int) (Record, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO disputes (escrow_id, raised_by, against, panel_size)
		VALUES ($1, $2, $3, $4)
		RETURNING id, escrow_id, raised_by, against, status::text, panel_size,
			approve_count, reject_count, votes_cast, outcome::text, escalated, created_at, resolved_at
	`, escrowID, raisedBy, against, panelSize)
	rec, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateDispute
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// AssignPanel stores the panelists and moves the dispute to voting.
func (r *Repository) AssignPanel(ctx context.Context, tx pgx.Tx, disputeID string, arbitratorIDs []string) error {
	for _, id := range arbitratorIDs {
		if uuid.Validate(id) != nil {
			return fmt.Errorf("%w: arbitrator ids must be uuids", ErrInvalidArgument)
		}
	}
	for _, id := range arbitratorIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_panelists (dispute_id, arbitrator_id)
			VALUES ($1, $2)
		`, disputeID, id); err != nil {
			return fmt.Errorf("dispute: insert panelist: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE disputes SET status = 'voting' WHERE id = $1 AND status = 'open'
	`, disputeID)
	if err != nil {
		return fmt.Errorf("dispute: move to voting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotOpen
	}
	return nil
}

// IsPanelist reports whether the arbitrator sits on the dispute's panel.
func (r *Repository) IsPanelist(ctx context.Context, tx pgx.Tx, disputeID, arbitratorID string) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM dispute_panelists
			WHERE dispute_id = $1 AND arbitrator_id = $2
		)
	`, disputeID, arbitratorID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("dispute: check panelist: %w", err)
	}
	return ok, nil
}

// InsertVote appends the vote row. The (dispute_id, arbitrator_id) primary
// key is the duplicate-vote guard; a retried vote rolls the transaction back
// with ErrDuplicateVote, leaving the tally untouched.
func (r *Repository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dispute_votes (dispute_id, arbitrator_id, choice, late)
		VALUES ($1, $2, $3::vote_choice, $4)
	`, v.DisputeID, v.ArbitratorID, string(v.Choice), v.Late)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateVote
		}
		return fmt.Errorf("dispute: insert vote: %w", err)
	}
	return nil
}

// ApplyVote bumps the maintained tally for a counted vote and returns the
// updated record.
func (r *Repository) ApplyVote(ctx context.Context, tx pgx.Tx, disputeID string, choice Choice) (Record, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET approve_count = approve_count + CASE WHEN $2 = 'approve' THEN 1 ELSE 0 END,
		    reject_count  = reject_count  + CASE WHEN $2 = 'reject'  THEN 1 ELSE 0 END,
		    votes_cast    = votes_cast + 1
		WHERE id = $1
		RETURNING id, escrow_id, raised_by, against, status::text, panel_size,
			approve_count, reject_count, votes_cast, outcome::text, escalated, created_at, resolved_at
	`, disputeID, string(choice))
	rec, err := scanDispute(row)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: apply vote: %w", err)
	}
	return rec, nil
}

// MarkResolved finalizes the dispute. The WHERE clause guarantees the
// resolved transition happens at most once.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, outcome Outcome, escalated bool) (Record, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'resolved',
		    outcome = $2::dispute_outcome,
		    escalated = $3,
		    resolved_at = now()
		WHERE id = $1 AND status = 'voting'
		RETURNING id, escrow_id, raised_by, against, status::text, panel_size,
			approve_count, reject_count, votes_cast, outcome::text, escalated, created_at, resolved_at
	`, disputeID, string(outcome), escalated)
	rec, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrDisputeAlreadyResolved
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// ListVotes returns every vote for the dispute in cast order.
func (r *Repository) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT dispute_id, arbitrator_id, choice::text, late, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1
		ORDER BY cast_at ASC
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0, 8)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.ArbitratorID, &v.Choice, &v.Late, &v.CastAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate votes: %w", err)
	}
	return out, nil
}

// Panel returns the assigned panelists.
func (r *Repository) Panel(ctx context.Context, disputeID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT arbitrator_id FROM dispute_panelists WHERE dispute_id = $1 ORDER BY arbitrator_id
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list panel: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 5)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan panelist: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate panel: %w", err)
	}
	return out, nil
}
