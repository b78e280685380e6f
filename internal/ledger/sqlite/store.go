// Package sqlite provides an embedded SQLite ledger store.
//
// The store keeps a single open connection, so every transaction runs with
// exclusive write access. That single-writer discipline is what serializes
// concurrent mutations of the same account.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/Estacio-S/Shibashito/internal/ledger/sqlite/migrations"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists ledger state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite ledger at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// WithTx runs fn inside one SQLite transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error) {
	return lookupRecord(ctx, s.sqlDB, messageID)
}

func (s *Store) Account(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := selectAccount(ctx, s.sqlDB, id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]domain.DomainEvent, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT payload FROM outbox WHERE published_at IS NULL ORDER BY created_at, rowid LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var events []domain.DomainEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		event, err := domain.DeserializeEvent([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode pending event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE event_id = ? AND published_at IS NULL`,
		toMillis(at), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark event %s published: %w", eventID, err)
	}
	return nil
}

type sqliteTx struct {
	q queryer
}

func (t *sqliteTx) LookupRecord(ctx context.Context, messageID string) (*domain.IdempotencyRecord, error) {
	return lookupRecord(ctx, t.q, messageID)
}

func (t *sqliteTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	accounts := make(map[string]*domain.Account, len(ids))
	for _, id := range ids {
		acc, err := selectAccount(ctx, t.q, id)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			accounts[id] = acc
		}
	}
	return accounts, nil
}

func (t *sqliteTx) EnsureAccount(ctx context.Context, id string, now time.Time) (*domain.Account, error) {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO accounts (id, balance, version, updated_at) VALUES (?, '0', 0, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", id, err)
	}
	acc, err := selectAccount(ctx, t.q, id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("account %s vanished after insert", id)
	}
	return acc, nil
}

func (t *sqliteTx) SaveAccount(ctx context.Context, acc *domain.Account) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, version = ?, updated_at = ? WHERE id = ?`,
		acc.Balance.String(), acc.Version, toMillis(acc.UpdatedAt), acc.ID,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acc.ID, err)
	}
	return nil
}

func (t *sqliteTx) InsertRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO idempotency_records (message_id, command_type, outcome, reason, result_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.MessageID, string(rec.CommandType), string(rec.Outcome), rec.Reason, string(rec.Snapshot), toMillis(rec.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return ledger.ErrDuplicateMessage
		}
		return fmt.Errorf("insert idempotency record %s: %w", rec.MessageID, err)
	}
	return nil
}

func (t *sqliteTx) AppendEvent(ctx context.Context, event domain.DomainEvent) error {
	payload, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventID, err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO outbox (event_id, message_id, event_type, account_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventID, event.MessageID, string(event.Type), event.AccountID, string(payload), toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", event.EventID, err)
	}
	return nil
}

func lookupRecord(ctx context.Context, q queryer, messageID string) (*domain.IdempotencyRecord, error) {
	var (
		rec         domain.IdempotencyRecord
		commandType string
		outcome     string
		snapshot    string
		createdAt   int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT message_id, command_type, outcome, reason, result_snapshot, created_at
		 FROM idempotency_records WHERE message_id = ?`,
		messageID,
	).Scan(&rec.MessageID, &commandType, &outcome, &rec.Reason, &snapshot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency record %s: %w", messageID, err)
	}
	rec.CommandType = domain.CommandType(commandType)
	rec.Outcome = domain.Outcome(outcome)
	rec.Snapshot = []byte(snapshot)
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

func selectAccount(ctx context.Context, q queryer, id string) (*domain.Account, error) {
	var (
		acc       domain.Account
		balance   string
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, balance, version, updated_at FROM accounts WHERE id = ?`,
		id,
	).Scan(&acc.ID, &balance, &acc.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select account %s: %w", id, err)
	}
	acc.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance of %s: %w", id, err)
	}
	acc.UpdatedAt = fromMillis(updatedAt)
	return &acc, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
