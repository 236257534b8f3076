package arbiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested arbitrator does not exist.
var ErrNotFound = errors.New("arbiter: not found")

// Repository provides read access to arbitrator profiles and the rating
// adjustments applied after a dispute settles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an arbitrator profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	// A malformed id can never match a uuid column; report it as absent
	// instead of surfacing a postgres cast error.
	if uuid.Validate(id) != nil {
		return Profile{}, ErrNotFound
	}
	const query = `
		SELECT id, full_name, rating, created_at
		FROM users
		WHERE id = $1 AND role = 'arbitrator'
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.FullName,
		&profile.Rating,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("arbiter: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit arbitrator profiles, best-rated first.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, full_name, rating, created_at
		FROM users
		WHERE role = 'arbitrator'
		ORDER BY rating DESC, created_at ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("arbiter: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.Rating, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("arbiter: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbiter: iterate profiles: %w", err)
	}

	return profiles, nil
}

// ListEligible fetches up to n arbitrators eligible to sit on a panel for the
// given escrow: best-rated first, with both escrow parties excluded.
func (r *Repository) ListEligible(ctx context.Context, escrowID string, n int) ([]Profile, error) {
	if uuid.Validate(escrowID) != nil {
		return nil, ErrNotFound
	}
	const query = `
		SELECT u.id, u.full_name, u.rating, u.created_at
		FROM users u, escrows e
		WHERE e.id = $1
		  AND u.role = 'arbitrator'
		  AND u.id <> e.payer_id
		  AND u.id <> e.payee_id
		ORDER BY u.rating DESC, u.created_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, escrowID, n)
	if err != nil {
		return nil, fmt.Errorf("arbiter: list eligible: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, n)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.Rating, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("arbiter: scan eligible: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbiter: iterate eligible: %w", err)
	}

	return profiles, nil
}

// AdjustRating applies a delta to a user's rating. Ratings are clamped at
// zero; there is no upper bound.
func (r *Repository) AdjustRating(ctx context.Context, userID string, delta float64) error {
	const query = `
		UPDATE users
		SET rating = GREATEST(rating + $2, 0),
		    updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, userID, delta)
	if err != nil {
		return fmt.Errorf("arbiter: adjust rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
