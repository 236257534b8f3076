package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/audit"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Opener tries to open competing disputes for the same escrow concurrently.
// The partial unique index on disputes allows at most one unresolved dispute
// per escrow, so all but one insert must fail with a unique violation.
func Opener(ctx context.Context, pool *pgxpool.Pool, audits *audit.Repository, escrowID, raisedBy, against string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			var status string
			if err := tx.QueryRow(ctx, `SELECT status FROM escrows WHERE id=$1 FOR UPDATE`, escrowID).Scan(&status); err != nil {
				return fmt.Errorf("opener lock escrow: %w", err)
			}
			if status != "deposited" && status != "disputed" {
				return nil
			}

			var dispID string
			err = tx.QueryRow(ctx, `INSERT INTO disputes (escrow_id, raised_by, against, panel_size)
                                     VALUES ($1,$2,$3,3) RETURNING id`, escrowID, raisedBy, against).Scan(&dispID)
			if err != nil {
				if isUniqueViolation(err) {
					// expected under contention
					return nil
				}
				return fmt.Errorf("opener insert: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE escrows SET status='disputed', updated_at=now() WHERE id=$1`, escrowID); err != nil {
				return fmt.Errorf("opener mark disputed: %w", err)
			}
			if _, err := audits.Append(ctx, tx, escrowID, audit.ActionDisputeOpened, raisedBy, map[string]any{"dispute_id": dispID}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient under chaos; the oracles judge correctness
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Voter races to cast the arbitrator's vote on a voting dispute. When the vote
// lands a majority, or exhausts the panel without one, the same transaction
// resolves the dispute and settles the escrow. Votes arriving after resolution
// are recorded with late=true and never change the tallies.
func Voter(ctx context.Context, pool *pgxpool.Pool, audits *audit.Repository, disputeID, arbitratorID string, stop <-chan struct{}) error {
	choices := []string{"approve", "reject"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := castOnce(ctx, pool, audits, disputeID, arbitratorID, choices[rand.Intn(len(choices))]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func castOnce(ctx context.Context, pool *pgxpool.Pool, audits *audit.Repository, disputeID, arbitratorID, choice string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		escrowID  string
		raisedBy  string
		status    string
		panelSize int
		approve   int
		reject    int
		cast      int
	)
	err = tx.QueryRow(ctx, `SELECT escrow_id, raised_by, status, panel_size, approve_count, reject_count, votes_cast
                             FROM disputes WHERE id=$1 FOR UPDATE`, disputeID).
		Scan(&escrowID, &raisedBy, &status, &panelSize, &approve, &reject, &cast)
	if err != nil {
		return fmt.Errorf("voter lock dispute: %w", err)
	}

	if status == "resolved" {
		_, err = tx.Exec(ctx, `INSERT INTO dispute_votes (dispute_id, arbitrator_id, choice, late)
                                VALUES ($1,$2,$3,true) ON CONFLICT DO NOTHING`, disputeID, arbitratorID, choice)
		if err != nil {
			return fmt.Errorf("voter record late: %w", err)
		}
		return tx.Commit(ctx)
	}
	if status != "voting" {
		return nil
	}

	_, err = tx.Exec(ctx, `INSERT INTO dispute_votes (dispute_id, arbitrator_id, choice)
                            VALUES ($1,$2,$3)`, disputeID, arbitratorID, choice)
	if err != nil {
		if isUniqueViolation(err) {
			// this arbitrator already voted
			return nil
		}
		return fmt.Errorf("voter insert: %w", err)
	}

	if choice == "approve" {
		approve++
	} else {
		reject++
	}
	cast++
	if _, err := tx.Exec(ctx, `UPDATE disputes SET approve_count=$2, reject_count=$3, votes_cast=$4 WHERE id=$1`,
		disputeID, approve, reject, cast); err != nil {
		return fmt.Errorf("voter tally: %w", err)
	}
	if _, err := audits.Append(ctx, tx, escrowID, audit.ActionVoteCast, arbitratorID, map[string]any{
		"dispute_id": disputeID,
		"choice":     choice,
	}); err != nil {
		return err
	}

	majority := panelSize/2 + 1
	var outcome string
	escalated := false
	switch {
	case approve >= majority:
		outcome = "approved_raiser"
	case reject >= majority:
		outcome = "approved_against"
	case cast == panelSize:
		outcome = "no_majority"
		escalated = true
	}
	if outcome != "" {
		if err := resolveAndSettle(ctx, tx, audits, disputeID, escrowID, raisedBy, outcome, escalated); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// resolveAndSettle runs inside the voter's transaction while the dispute row
// lock is held, so exactly one vote can flip the dispute to resolved.
func resolveAndSettle(ctx context.Context, tx pgx.Tx, audits *audit.Repository, disputeID, escrowID, raisedBy, outcome string, escalated bool) error {
	if _, err := tx.Exec(ctx, `UPDATE disputes SET status='resolved', outcome=$2, escalated=$3, resolved_at=now()
                                WHERE id=$1`, disputeID, outcome, escalated); err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	if _, err := audits.Append(ctx, tx, escrowID, audit.ActionDisputeResolved, "arbitration-engine", map[string]any{
		"dispute_id": disputeID,
		"outcome":    outcome,
	}); err != nil {
		return err
	}

	if outcome == "no_majority" {
		if _, err := audits.Append(ctx, tx, escrowID, audit.ActionDisputeEscalated, "arbitration-engine", map[string]any{
			"dispute_id": disputeID,
		}); err != nil {
			return err
		}
		return nil
	}

	var payerID string
	if err := tx.QueryRow(ctx, `SELECT payer_id FROM escrows WHERE id=$1`, escrowID).Scan(&payerID); err != nil {
		return fmt.Errorf("settle read escrow: %w", err)
	}
	// funds go to the winner: a winning payer is refunded, a winning payee paid out
	payerWon := (outcome == "approved_raiser") == (raisedBy == payerID)
	next, action := "released", audit.ActionFundsReleased
	if payerWon {
		next, action = "refunded", audit.ActionFundsRefunded
	}
	if _, err := tx.Exec(ctx, `UPDATE escrows SET status=$2, resolved_at=now(), updated_at=now()
                                WHERE id=$1 AND status='disputed'`, escrowID, next); err != nil {
		return fmt.Errorf("settle escrow: %w", err)
	}
	if _, err := audits.Append(ctx, tx, escrowID, action, "settlement-coordinator", map[string]any{
		"dispute_id": disputeID,
	}); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                VALUES ('notify.escrow', jsonb_build_object('escrow_id', $1::text, 'event', 'SETTLED'))`, escrowID); err != nil {
		return fmt.Errorf("settle outbox: %w", err)
	}
	return nil
}

// Depositor flips an escrow from created to deposited, idempotently. Only the
// goroutine that observes status=created performs the transition and appends
// the chain entry.
func Depositor(ctx context.Context, pool *pgxpool.Pool, audits *audit.Repository, escrowID, payerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			var status string
			if err := tx.QueryRow(ctx, `SELECT status FROM escrows WHERE id=$1 FOR UPDATE`, escrowID).Scan(&status); err != nil {
				return fmt.Errorf("depositor lock: %w", err)
			}
			if status != "created" {
				return nil
			}
			if _, err := tx.Exec(ctx, `UPDATE escrows SET status='deposited', deposited_at=now(), updated_at=now() WHERE id=$1`, escrowID); err != nil {
				return fmt.Errorf("depositor update: %w", err)
			}
			if _, err := audits.Append(ctx, tx, escrowID, audit.ActionFundsDeposited, payerID, nil); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                        VALUES ('notify.escrow', jsonb_build_object('escrow_id', $1::text, 'event', 'DEPOSITED'))`, escrowID); err != nil {
				return fmt.Errorf("depositor outbox: %w", err)
			}
			return tx.Commit(ctx)
		}()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// ConditionToggler flips a release condition back and forth under the escrow
// row lock, appending a chain entry each time. It exists to grow long audit
// chains under write contention.
func ConditionToggler(ctx context.Context, pool *pgxpool.Pool, audits *audit.Repository, escrowID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := func() error {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			if _, err := tx.Exec(ctx, `SELECT 1 FROM escrows WHERE id=$1 FOR UPDATE`, escrowID); err != nil {
				return fmt.Errorf("toggler lock: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE escrow_conditions SET satisfied = NOT satisfied
                                        WHERE escrow_id=$1 AND position=1`, escrowID); err != nil {
				return fmt.Errorf("toggler update: %w", err)
			}
			if _, err := audits.Append(ctx, tx, escrowID, audit.ActionConditionsUpdated, actorID, map[string]any{"position": 1}); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, or dead after too many attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id, attempts FROM outbox
                                     WHERE status='pending' AND next_attempt_at <= now()
                                     ORDER BY next_attempt_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		type claimed struct {
			id       string
			attempts int
		}
		msgs := make([]claimed, 0, 10)
		for rows.Next() {
			var c claimed
			_ = rows.Scan(&c.id, &c.attempts)
			msgs = append(msgs, c)
		}
		rows.Close()
		for _, m := range msgs {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				if m.attempts+1 >= 8 {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET status='dead', attempts=attempts+1 WHERE id=$1`, m.id)
				} else {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, next_attempt_at=now() + interval '1 second' WHERE id=$1`, m.id)
				}
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, processed_at=now() WHERE id=$1`, m.id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// IdempotentCaller registers an idempotency key before simulating an external
// side effect; only the first registrar performs it.
func IdempotentCaller(ctx context.Context, pool *pgxpool.Pool, key string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := pool.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`, key); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(80 * time.Millisecond)
	}
}
