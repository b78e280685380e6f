package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/shopspring/decimal"
)

// Result is the outcome of applying one command. Business rejections are
// results, not errors.
type Result struct {
	Outcome             domain.Outcome   `json:"outcome"`
	Reason              string           `json:"reason,omitempty"`
	Balance             decimal.Decimal  `json:"balance"`
	Version             int64            `json:"version"`
	CounterpartyBalance *decimal.Decimal `json:"counterpartyBalance,omitempty"`
	EventID             string           `json:"eventId,omitempty"`

	// Event is the outbox entry written with this result; nil on rejection and on replays
	Event *domain.DomainEvent `json:"-"`
	// Replayed is true when the result comes from the idempotency log
	Replayed bool `json:"-"`
}

// Applied reports whether the command mutated the ledger
func (r Result) Applied() bool {
	return r.Outcome == domain.OutcomeApplied
}

// Reply renders the result as the client reply for cmd
func (r Result) Reply(cmd domain.Command) domain.Reply {
	reply := domain.Reply{
		CorrelationID: cmd.CorrelationID,
		MessageID:     cmd.MessageID,
		Status:        domain.ReplyOK,
		Replayed:      r.Replayed,
	}
	if !r.Applied() {
		reply.Status = domain.ReplyRejected
		reply.Reason = r.Reason
		return reply
	}
	balance := r.Balance
	reply.Balance = &balance
	reply.Version = r.Version
	return reply
}

// Err returns a rejection as an error wrapping domain.ErrLedgerRejected, nil when applied
func (r Result) Err() error {
	if r.Applied() {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrLedgerRejected, r.Reason)
}

func rejected(reason string) Result {
	return Result{Outcome: domain.OutcomeRejected, Reason: reason}
}

func recordFor(cmd domain.Command, res Result) (domain.IdempotencyRecord, error) {
	snapshot, err := json.Marshal(res)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("encode result snapshot: %w", err)
	}
	return domain.IdempotencyRecord{
		MessageID:   cmd.MessageID,
		CommandType: cmd.Type,
		Outcome:     res.Outcome,
		Reason:      res.Reason,
		Snapshot:    snapshot,
	}, nil
}

// ResultFromRecord rebuilds the stored result of an already processed message
func ResultFromRecord(rec *domain.IdempotencyRecord) (Result, error) {
	var res Result
	if len(rec.Snapshot) > 0 {
		if err := json.Unmarshal(rec.Snapshot, &res); err != nil {
			return Result{}, fmt.Errorf("decode result snapshot for %s: %w", rec.MessageID, err)
		}
	}
	res.Outcome = rec.Outcome
	res.Reason = rec.Reason
	res.Replayed = true
	return res, nil
}
