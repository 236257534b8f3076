package outbox

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Topics routed by the dispatcher.
const (
	TopicNotifyPrefix     = "notify."
	TopicReputationAdjust = "reputation.adjust"
	TopicSettlementRetry  = "settlement.retry"
	TopicAnchor           = "audit.anchor"
)

// Message is one queued side effect. It is written in the same transaction
// as the state change it describes and delivered after commit by the
// dispatcher.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}
