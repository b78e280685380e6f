package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store is the PostgreSQL ledger backend. Accounts are serialized with
// row-level locks (SELECT ... FOR UPDATE) held for the apply transaction.
type Store struct {
	db *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore connects to connString, verifies the connection and ensures the schema
func NewStore(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks taken by fn make
// a waiting writer re-read the committed row, so no update is lost.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error) {
	return lookupRecord(ctx, s.db, messageID)
}

// Account retrieves a single account by ID.
func (s *Store) Account(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := selectAccount(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]domain.DomainEvent, error) {
	rows, err := s.db.Query(ctx,
		"SELECT payload::text FROM outbox WHERE published_at IS NULL ORDER BY created_at LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending events query failed: %w", err)
	}
	defer rows.Close()

	var events []domain.DomainEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("pending event scan failed: %w", err)
		}
		event, err := domain.DeserializeEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("pending event decode failed: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		"UPDATE outbox SET published_at = $2 WHERE event_id = $1 AND published_at IS NULL",
		eventID, at,
	)
	if err != nil {
		return fmt.Errorf("mark published failed: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t *pgTx) LookupRecord(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error) {
	return lookupRecord(ctx, t.q, messageID)
}

// LockAccounts acquires row locks in the order given; callers pass ids sorted.
func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	accounts := make(map[string]*domain.Account, len(ids))
	for _, id := range ids {
		acc, err := selectAccount(ctx, t.q, id, true)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			accounts[id] = acc
		}
	}
	return accounts, nil
}

// EnsureAccount inserts the account if missing. A concurrent inserter blocks on
// the unique index until the first one commits, then both lock the same row.
func (t *pgTx) EnsureAccount(ctx context.Context, id string, now time.Time) (*domain.Account, error) {
	_, err := t.q.Exec(ctx,
		"INSERT INTO accounts (id, balance, version, updated_at) VALUES ($1, 0, 0, $2) ON CONFLICT (id) DO NOTHING",
		id, now,
	)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	acc, err := selectAccount(ctx, t.q, id, true)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %s missing after insert", id)
	}
	return acc, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, acc *domain.Account) error {
	_, err := t.q.Exec(ctx,
		"UPDATE accounts SET balance = $2::text::numeric, version = $3, updated_at = $4 WHERE id = $1",
		acc.ID, acc.Balance.StringFixed(2), acc.Version, acc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	return nil
}

func (t *pgTx) InsertRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO idempotency_records (message_id, command_type, outcome, reason, result_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5::text::jsonb, $6)`,
		rec.MessageID, string(rec.CommandType), string(rec.Outcome), rec.Reason, string(rec.Snapshot), rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.ErrDuplicateMessage
		}
		return fmt.Errorf("idempotency insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, event domain.DomainEvent) error {
	payload, err := domain.SerializeEvent(event)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO outbox (event_id, message_id, event_type, account_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5::text::jsonb, $6)`,
		event.EventID, event.MessageID, string(event.Type), event.AccountID, string(payload), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("outbox insert failed: %w", err)
	}
	return nil
}

func lookupRecord(ctx context.Context, q querier, messageID string) (*domain.IdempotencyRecord, error) {
	var (
		rec         domain.IdempotencyRecord
		commandType string
		outcome     string
		snapshot    string
	)
	err := q.QueryRow(ctx,
		`SELECT message_id, command_type, outcome, reason, result_snapshot::text, created_at
		 FROM idempotency_records WHERE message_id = $1`,
		messageID,
	).Scan(&rec.MessageID, &commandType, &outcome, &rec.Reason, &snapshot, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	rec.CommandType = domain.CommandType(commandType)
	rec.Outcome = domain.Outcome(outcome)
	rec.Snapshot = []byte(snapshot)
	return &rec, nil
}

func selectAccount(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Account, error) {
	query := "SELECT id, balance::text, version, updated_at FROM accounts WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		acc     domain.Account
		balance string
	)
	err := q.QueryRow(ctx, query, id).Scan(&acc.ID, &balance, &acc.Version, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if forUpdate {
			return nil, fmt.Errorf("account lock %s failed: %w", id, err)
		}
		return nil, fmt.Errorf("account read %s failed: %w", id, err)
	}
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("balance parse failed: %w", err)
	}
	return &acc, nil
}
