package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
)

var (
	// ErrAccountNotFound is returned by reads of an account that was never created
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateMessage is returned by Tx.InsertRecord when the message id is already logged
	ErrDuplicateMessage = errors.New("message already recorded")
)

// Store is a durable backend for accounts, the idempotency log and the event outbox.
// All mutations go through WithTx; the remaining methods are plain reads or
// outbox bookkeeping outside any apply transaction.
type Store interface {
	// WithTx runs fn in a single transaction, committing only when fn returns nil
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Lookup returns the idempotency record for messageID, or nil when absent
	Lookup(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error)

	// Account returns the current state of an account
	Account(ctx context.Context, id string) (*domain.Account, error)

	// PendingEvents returns up to limit outbox events not yet published, oldest first
	PendingEvents(ctx context.Context, limit int) ([]domain.DomainEvent, error)

	// MarkPublished flags an outbox event as delivered to the broker
	MarkPublished(ctx context.Context, eventID string, at time.Time) error

	Close() error
}

// Tx is the unit of work of one apply. Account rows returned by LockAccounts and
// EnsureAccount stay locked against other writers until the transaction ends.
type Tx interface {
	LookupRecord(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error)

	// LockAccounts locks the given accounts in the order provided. Missing
	// accounts are absent from the returned map.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error)

	// EnsureAccount creates the account with a zero balance if needed and locks it
	EnsureAccount(ctx context.Context, id string, now time.Time) (*domain.Account, error)

	SaveAccount(ctx context.Context, acc *domain.Account) error
	InsertRecord(ctx context.Context, rec domain.IdempotencyRecord) error
	AppendEvent(ctx context.Context, event domain.DomainEvent) error
}
