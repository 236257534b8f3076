// Package idempotency implements the client-retry guard for fund-moving
// endpoints: the first request under a key wins, replays are rejected.
package idempotency

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store records request keys. The primary key on idempotency.key makes the
// first insert win; a replayed key inserts nothing.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Register claims the key. It reports false when an earlier request already
// claimed it.
func (s *Store) Register(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency (key) VALUES ($1)
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("idempotency: register key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
