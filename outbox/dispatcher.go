package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
)

var (
	deliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowflow_outbox_delivered_total",
		Help: "Outbox messages delivered, by topic.",
	}, []string{"topic"})
	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowflow_outbox_dead_total",
		Help: "Outbox messages dead-lettered after exhausting attempts.",
	}, []string{"topic"})
)

// Notifier delivers user-facing notifications for notify.* topics.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload map[string]any) error
}

// Reputation applies rating adjustments after settled disputes.
type Reputation interface {
	Adjust(ctx context.Context, userID, tag string) error
}

// Settlements replays parked settlements.
type Settlements interface {
	Retry(ctx context.Context, disputeID string) (escrow.Transaction, error)
}

// Anchorer submits an audit chain head to the external anchor.
type Anchorer interface {
	Anchor(ctx context.Context, subjectID string) error
}

// Dispatcher polls pending messages and routes them by topic. Delivery is
// at-least-once: a crash between handler success and the status update
// replays the message, so every handler must tolerate duplicates.
type Dispatcher struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	notifier    Notifier
	reputation  Reputation
	settlements Settlements
	anchorer    Anchorer

	workers      int
	pollInterval time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		logger:       logger,
		workers:      2,
		pollInterval: 500 * time.Millisecond,
		maxAttempts:  8,
		baseBackoff:  time.Second,
	}
}

func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

func (d *Dispatcher) WithReputation(r Reputation) *Dispatcher {
	d.reputation = r
	return d
}

func (d *Dispatcher) WithSettlements(s Settlements) *Dispatcher {
	d.settlements = s
	return d
}

func (d *Dispatcher) WithAnchorer(a Anchorer) *Dispatcher {
	d.anchorer = a
	return d
}

func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithPollInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.pollInterval = interval
	}
	return d
}

// Run blocks until ctx is cancelled, draining pending messages with a small
// worker pool. Each worker claims one message at a time under
// FOR UPDATE SKIP LOCKED so workers never contend on the same row.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			return d.worker(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) worker(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			claimed, err := d.dispatchOne(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.logger.Error("outbox dispatch failed", "error", err)
				break
			}
			if !claimed {
				break
			}
		}
	}
}

// dispatchOne claims, delivers, and settles a single message. Returns false
// when nothing is ready.
func (d *Dispatcher) dispatchOne(ctx context.Context) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`

	var msg Message
	err = tx.QueryRow(ctx, claimSQL).Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("outbox: claim message: %w", err)
	}

	deliverErr := d.deliver(ctx, msg)
	if deliverErr != nil {
		if err := d.reschedule(ctx, tx, msg, deliverErr); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'processed', processed_at = now()
			WHERE id = $1
		`, msg.ID); err != nil {
			return false, fmt.Errorf("outbox: mark processed: %w", err)
		}
		deliveredTotal.WithLabelValues(msg.Topic).Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("outbox: commit claim: %w", err)
	}
	return true, nil
}

func (d *Dispatcher) reschedule(ctx context.Context, tx pgx.Tx, msg Message, cause error) error {
	attempts := msg.Attempts + 1
	if attempts >= d.maxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead', attempts = $2, processed_at = now()
			WHERE id = $1
		`, msg.ID, attempts); err != nil {
			return fmt.Errorf("outbox: dead-letter: %w", err)
		}
		deadLetteredTotal.WithLabelValues(msg.Topic).Inc()
		d.logger.Error("outbox message dead-lettered",
			"message_id", msg.ID, "topic", msg.Topic, "attempts", attempts, "error", cause)
		return nil
	}

	backoff := d.baseBackoff << uint(attempts-1)
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET attempts = $2, next_attempt_at = now() + $3
		WHERE id = $1
	`, msg.ID, attempts, backoff); err != nil {
		return fmt.Errorf("outbox: reschedule: %w", err)
	}
	d.logger.Warn("outbox delivery failed, rescheduled",
		"message_id", msg.ID, "topic", msg.Topic, "attempts", attempts, "backoff", backoff, "error", cause)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("outbox: decode payload: %w", err)
	}

	switch {
	case strings.HasPrefix(msg.Topic, TopicNotifyPrefix):
		if d.notifier == nil {
			return nil
		}
		return d.notifier.Notify(ctx, msg.Topic, payload)

	case msg.Topic == TopicReputationAdjust:
		if d.reputation == nil {
			return nil
		}
		userID, _ := payload["user_id"].(string)
		tag, _ := payload["tag"].(string)
		if userID == "" {
			return fmt.Errorf("outbox: reputation message without user_id")
		}
		return d.reputation.Adjust(ctx, userID, tag)

	case msg.Topic == TopicSettlementRetry:
		if d.settlements == nil {
			return nil
		}
		disputeID, _ := payload["dispute_id"].(string)
		if disputeID == "" {
			return fmt.Errorf("outbox: settlement retry without dispute_id")
		}
		_, err := d.settlements.Retry(ctx, disputeID)
		// Still blocked on escrow state: leave the message pending so the
		// backoff schedule retries it.
		return err

	case msg.Topic == TopicAnchor:
		if d.anchorer == nil {
			return nil
		}
		subjectID, _ := payload["subject_id"].(string)
		if subjectID == "" {
			return fmt.Errorf("outbox: anchor message without subject_id")
		}
		return d.anchorer.Anchor(ctx, subjectID)

	default:
		d.logger.Warn("outbox message with unroutable topic dropped",
			"message_id", msg.ID, "topic", msg.Topic)
		return nil
	}
}
