package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoEntries signals the subject has no audit chain yet.
var ErrNoEntries = errors.New("audit: no entries for subject")

// Repository persists audit entries and anchor receipts. Append runs inside
// the caller's transaction so the chain shares the mutation's critical
// section; reads go through the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append computes the next chained entry for the subject and inserts it inside
// tx. Callers must hold the subject's escrow row lock; the (subject_id, seq)
// primary key turns any ordering race into a rollback rather than a fork.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, subjectID, action, actor string, payload map[string]any) (Entry, error) {
	if subjectID == "" {
		return Entry{}, fmt.Errorf("audit: empty subject id")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}

	var (
		seq  int64 = 1
		prev       = GenesisHash
	)
	err = tx.QueryRow(ctx, `
		SELECT seq, hash FROM audit_entries
		WHERE subject_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, subjectID).Scan(&seq, &prev)
	switch {
	case err == nil:
		seq++
	case errors.Is(err, pgx.ErrNoRows):
		seq, prev = 1, GenesisHash
	default:
		return Entry{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	entry := Entry{
		SubjectID:     subjectID,
		Seq:           seq,
		Action:        action,
		Actor:         actor,
		Payload:       body,
		PayloadDigest: Digest(body),
		PrevHash:      prev,
	}
	entry.Hash = EntryHash(entry.Seq, entry.SubjectID, entry.Action, entry.Actor, entry.PayloadDigest, entry.PrevHash)

	err = tx.QueryRow(ctx, `
		INSERT INTO audit_entries (subject_id, seq, action, actor, payload, payload_digest, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, entry.SubjectID, entry.Seq, entry.Action, entry.Actor, entry.Payload, entry.PayloadDigest, entry.PrevHash, entry.Hash).
		Scan(&entry.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: append entry: %w", err)
	}

	return entry, nil
}

// List returns the subject's chain in sequence order.
func (r *Repository) List(ctx context.Context, subjectID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT subject_id, seq, action, actor, payload, payload_digest, prev_hash, hash, created_at
		FROM audit_entries
		WHERE subject_id = $1
		ORDER BY seq ASC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SubjectID, &e.Seq, &e.Action, &e.Actor, &e.Payload, &e.PayloadDigest, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return out, nil
}

// Head returns the latest entry for the subject.
func (r *Repository) Head(ctx context.Context, subjectID string) (Entry, error) {
	var e Entry
	err := r.pool.QueryRow(ctx, `
		SELECT subject_id, seq, action, actor, payload, payload_digest, prev_hash, hash, created_at
		FROM audit_entries
		WHERE subject_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, subjectID).Scan(&e.SubjectID, &e.Seq, &e.Action, &e.Actor, &e.Payload, &e.PayloadDigest, &e.PrevHash, &e.Hash, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNoEntries
		}
		return Entry{}, fmt.Errorf("audit: chain head: %w", err)
	}
	return e, nil
}

// RecordAnchor stores the anchoring receipt and appends the matching
// CHAIN_ANCHORED entry in one transaction, so the chain itself carries the
// proof that its earlier head was notarized.
func (r *Repository) RecordAnchor(ctx context.Context, rec Receipt) (Receipt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: begin anchor tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO anchors (subject_id, head_seq, head_hash, reference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, rec.SubjectID, rec.HeadSeq, rec.HeadHash, rec.Reference).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Receipt{}, fmt.Errorf("audit: insert receipt: %w", err)
	}

	if _, err := r.Append(ctx, tx, rec.SubjectID, ActionChainAnchored, "anchor-service", map[string]any{
		"head_seq":  rec.HeadSeq,
		"head_hash": rec.HeadHash,
		"reference": rec.Reference,
	}); err != nil {
		return Receipt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("audit: commit anchor: %w", err)
	}
	return rec, nil
}
