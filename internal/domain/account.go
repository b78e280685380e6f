package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a ledger balance. Version increments on every committed mutation.
type Account struct {
	ID        string          `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Outcome is the terminal ledger result stored in the idempotency log
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// IdempotencyRecord guards a message id against being applied twice.
// It is written in the same transaction as the mutation it describes.
type IdempotencyRecord struct {
	MessageID   string          `json:"messageId"`
	CommandType CommandType     `json:"type"`
	Outcome     Outcome         `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Snapshot    json.RawMessage `json:"resultSnapshot"`
	CreatedAt   time.Time       `json:"createdAt"`
}
