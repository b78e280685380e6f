package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// moneyScale is the number of fractional digits an amount may carry
const moneyScale = 2

// balanceLimit is the first value a NUMERIC(20, 2) balance column cannot hold.
// Amounts and credited balances must stay below it.
var balanceLimit = decimal.New(1, 18)

func withinLimit(v decimal.Decimal) bool {
	return v.LessThan(balanceLimit)
}

// Ledger applies commands to account balances. Each apply is one store
// transaction that also writes the idempotency record and, on success, the
// outbox event, so a message id is committed at most once.
type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

// New creates a ledger over store
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Lookup returns the stored result for messageID, if the message was already processed
func (l *Ledger) Lookup(ctx context.Context, messageID string) (Result, bool, error) {
	rec, err := l.store.Lookup(ctx, messageID)
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: lookup %s: %w", domain.ErrLedgerUnavailable, messageID, err)
	}
	if rec == nil {
		return Result{}, false, nil
	}
	res, err := ResultFromRecord(rec)
	if err != nil {
		return Result{}, false, err
	}
	return res, true, nil
}

// Account returns the committed state of an account
func (l *Ledger) Account(ctx context.Context, id string) (*domain.Account, error) {
	return l.store.Account(ctx, id)
}

// Apply runs cmd against the ledger. Infrastructure failures are returned as
// errors wrapping domain.ErrLedgerUnavailable and leave no trace in the store.
func (l *Ledger) Apply(ctx context.Context, cmd domain.Command) (Result, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "ledger.Apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("message_id", cmd.MessageID),
			attribute.String("command_type", string(cmd.Type)),
			attribute.String("account_id", cmd.PrimaryAccount()),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		telemetry.LedgerApplyDuration.Observe(time.Since(start).Seconds())
	}()

	var res Result
	err := l.store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.LookupRecord(ctx, cmd.MessageID)
		if err != nil {
			return err
		}
		if rec != nil {
			res, err = ResultFromRecord(rec)
			return err
		}

		res, err = l.applyTx(ctx, tx, cmd)
		if err != nil {
			return err
		}

		record, err := recordFor(cmd, res)
		if err != nil {
			return err
		}
		record.CreatedAt = l.now()
		if err := tx.InsertRecord(ctx, record); err != nil {
			return err
		}
		if res.Event != nil {
			if err := tx.AppendEvent(ctx, *res.Event); err != nil {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, ErrDuplicateMessage) {
		// A concurrent delivery of the same message committed first
		replay, found, lerr := l.Lookup(ctx, cmd.MessageID)
		if lerr != nil {
			err = lerr
		} else if found {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return replay, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger apply failed")
		return Result{}, fmt.Errorf("%w: apply %s: %w", domain.ErrLedgerUnavailable, cmd.MessageID, err)
	}

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Bool("duplicate", res.Replayed),
	)
	if res.Applied() && !res.Replayed {
		amount, _ := cmd.Payload.Amount.Float64()
		telemetry.LedgerAmount.WithLabelValues(string(cmd.Type)).Observe(amount)
		slog.DebugContext(ctx, "ledger mutation committed",
			"message_id", cmd.MessageID,
			"account_id", cmd.PrimaryAccount(),
			"balance", res.Balance.String(),
			"version", res.Version,
		)
	}
	return res, nil
}

func (l *Ledger) applyTx(ctx context.Context, tx Tx, cmd domain.Command) (Result, error) {
	amount := cmd.Payload.Amount
	if amount.Sign() <= 0 || !amount.Equal(amount.Round(moneyScale)) || !withinLimit(amount) {
		return rejected(domain.ReasonInvalidAmount), nil
	}

	switch cmd.Type {
	case domain.CommandDeposit:
		return l.deposit(ctx, tx, cmd, amount)
	case domain.CommandWithdraw:
		return l.withdraw(ctx, tx, cmd, amount)
	case domain.CommandTransfer:
		return l.transfer(ctx, tx, cmd, amount)
	default:
		return Result{}, fmt.Errorf("unsupported command type %q", cmd.Type)
	}
}

func (l *Ledger) deposit(ctx context.Context, tx Tx, cmd domain.Command, amount decimal.Decimal) (Result, error) {
	now := l.now()
	acc, err := tx.EnsureAccount(ctx, cmd.Payload.AccountID, now)
	if err != nil {
		return Result{}, err
	}

	credited := acc.Balance.Add(amount)
	if !withinLimit(credited) {
		return rejected(domain.ReasonInvalidAmount), nil
	}
	acc.Balance = credited
	acc.Version++
	acc.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return Result{}, err
	}

	return l.applied(cmd, amount, acc, nil), nil
}

func (l *Ledger) withdraw(ctx context.Context, tx Tx, cmd domain.Command, amount decimal.Decimal) (Result, error) {
	accounts, err := tx.LockAccounts(ctx, cmd.Payload.AccountID)
	if err != nil {
		return Result{}, err
	}
	acc, ok := accounts[cmd.Payload.AccountID]
	if !ok {
		return rejected(domain.ReasonAccountNotFound), nil
	}
	if acc.Balance.LessThan(amount) {
		return rejected(domain.ReasonInsufficientFunds), nil
	}

	acc.Balance = acc.Balance.Sub(amount)
	acc.Version++
	acc.UpdatedAt = l.now()
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return Result{}, err
	}

	return l.applied(cmd, amount, acc, nil), nil
}

func (l *Ledger) transfer(ctx context.Context, tx Tx, cmd domain.Command, amount decimal.Decimal) (Result, error) {
	fromID, toID := cmd.Payload.FromAccountID, cmd.Payload.ToAccountID
	if fromID == toID {
		return rejected(domain.ReasonSameAccount), nil
	}

	// Lock in id order so two opposite transfers cannot deadlock
	first, second := fromID, toID
	if first > second {
		first, second = second, first
	}
	accounts, err := tx.LockAccounts(ctx, first, second)
	if err != nil {
		return Result{}, err
	}

	from, okFrom := accounts[fromID]
	to, okTo := accounts[toID]
	if !okFrom || !okTo {
		return rejected(domain.ReasonAccountNotFound), nil
	}
	if from.Balance.LessThan(amount) {
		return rejected(domain.ReasonInsufficientFunds), nil
	}
	if !withinLimit(to.Balance.Add(amount)) {
		return rejected(domain.ReasonInvalidAmount), nil
	}

	now := l.now()
	from.Balance = from.Balance.Sub(amount)
	from.Version++
	from.UpdatedAt = now
	to.Balance = to.Balance.Add(amount)
	to.Version++
	to.UpdatedAt = now

	if err := tx.SaveAccount(ctx, from); err != nil {
		return Result{}, err
	}
	if err := tx.SaveAccount(ctx, to); err != nil {
		return Result{}, err
	}

	return l.applied(cmd, amount, from, to), nil
}

func (l *Ledger) applied(cmd domain.Command, amount decimal.Decimal, acc, counterparty *domain.Account) Result {
	event := domain.DomainEvent{
		EventID:          l.newID(),
		MessageID:        cmd.MessageID,
		Type:             cmd.Type,
		AccountID:        acc.ID,
		Amount:           amount,
		ResultingBalance: acc.Balance,
		Version:          acc.Version,
		Timestamp:        acc.UpdatedAt,
	}
	res := Result{
		Outcome: domain.OutcomeApplied,
		Balance: acc.Balance,
		Version: acc.Version,
		EventID: event.EventID,
	}
	if counterparty != nil {
		balance := counterparty.Balance
		event.CounterpartyAccountID = counterparty.ID
		event.CounterpartyBalance = &balance
		event.CounterpartyVersion = counterparty.Version
		res.CounterpartyBalance = &balance
	}
	res.Event = &event
	return res
}

// PendingEvents returns outbox events that still need publishing
func (l *Ledger) PendingEvents(ctx context.Context, limit int) ([]domain.DomainEvent, error) {
	return l.store.PendingEvents(ctx, limit)
}

// MarkPublished records that an outbox event reached the broker
func (l *Ledger) MarkPublished(ctx context.Context, eventID string) error {
	return l.store.MarkPublished(ctx, eventID, l.now())
}
