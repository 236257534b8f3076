package escrow

import "time"

// Status represents the lifecycle of an escrow transaction.
type Status string

const (
	StatusCreated   Status = "created"
	StatusDeposited Status = "deposited"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
)

// Transaction mirrors the escrows table. Amount and parties are immutable
// after creation; only status and the status timestamps ever change.
type Transaction struct {
	ID          string
	PayerID     string
	PayeeID     string
	AmountCents int64
	Currency    string
	Status      Status
	CreatedAt   time.Time
	DepositedAt *time.Time
	ResolvedAt  *time.Time
	UpdatedAt   time.Time
}

// Condition is one item of the escrow's checklist.
type Condition struct {
	Position  int
	Label     string
	Satisfied bool
}

// CreateParams carries the inputs for opening a new escrow.
type CreateParams struct {
	PayerID     string
	PayeeID     string
	AmountCents int64
	Currency    string
	Conditions  []string
}
