package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupStore connects to LEDGER_DSN. Every test namespaces its account and
// message ids, so runs against a shared database do not interfere.
func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("LEDGER_DSN")
	if dsn == "" {
		t.Skip("LEDGER_DSN not set")
	}
	store, err := NewStore(context.Background(), dsn, 20)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, uuid.NewString()[:8] + "-"
}

func command(id string, typ domain.CommandType, payload domain.Payload) domain.Command {
	return domain.Command{MessageID: id, Type: typ, ActorDNI: "01234567", Payload: payload}
}

func requireAccount(t *testing.T, l *ledger.Ledger, id, balance string, version int64) {
	t.Helper()
	acc, err := l.Account(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.RequireFromString(balance)),
		"balance of %s: expected %s, got %s", id, balance, acc.Balance)
	assert.Equal(t, version, acc.Version, "version of %s", id)
}

func TestStore_ConcurrentDepositsSerialize(t *testing.T) {
	store, ns := setupStore(t)
	l := ledger.New(store)
	account := ns + "A"
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Apply(context.Background(), command(fmt.Sprintf("%sd%d", ns, i), domain.CommandDeposit,
				domain.Payload{AccountID: account, Amount: decimal.RequireFromString("2.50")}))
			assert.NoError(t, err)
			assert.True(t, res.Applied())
		}(i)
	}
	wg.Wait()

	requireAccount(t, l, account, "50", n)
}

func TestStore_ConcurrentOpposingTransfers(t *testing.T) {
	store, ns := setupStore(t)
	l := ledger.New(store)
	ctx := context.Background()
	a, b := ns+"A", ns+"B"

	for _, id := range []string{a, b} {
		_, err := l.Apply(ctx, command(id+"-seed", domain.CommandDeposit,
			domain.Payload{AccountID: id, Amount: decimal.NewFromInt(100)}))
		require.NoError(t, err)
	}

	const rounds = 15
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		for _, dir := range [][2]string{{a, b}, {b, a}} {
			wg.Add(1)
			go func(i int, from, to string) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_, err := l.Apply(ctx, command(fmt.Sprintf("%st-%s-%d", ns, from, i), domain.CommandTransfer,
					domain.Payload{FromAccountID: from, ToAccountID: to, Amount: decimal.NewFromInt(1)}))
				assert.NoError(t, err, "opposing transfers must not deadlock")
			}(i, dir[0], dir[1])
		}
	}
	wg.Wait()

	// each account sent and received the same amount
	requireAccount(t, l, a, "100", 1+2*rounds)
	requireAccount(t, l, b, "100", 1+2*rounds)
}

func TestStore_ConcurrentDuplicatesCommitOnce(t *testing.T) {
	store, ns := setupStore(t)
	l := ledger.New(store)
	account := ns + "A"
	cmd := command(ns+"dup", domain.CommandDeposit,
		domain.Payload{AccountID: account, Amount: decimal.NewFromInt(7)})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Apply(context.Background(), cmd)
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, res.Applied())
			if !res.Replayed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied, "exactly one delivery commits")
	requireAccount(t, l, account, "7", 1)

	var events int
	require.NoError(t, store.db.QueryRow(context.Background(),
		"SELECT count(*) FROM outbox WHERE message_id = $1", cmd.MessageID).Scan(&events))
	assert.Equal(t, 1, events)
}

func TestStore_DuplicateRecordMapsToSentinel(t *testing.T) {
	store, ns := setupStore(t)
	ctx := context.Background()
	rec := domain.IdempotencyRecord{
		MessageID:   ns + "rec",
		CommandType: domain.CommandDeposit,
		Outcome:     domain.OutcomeRejected,
		Reason:      domain.ReasonInvalidAmount,
		Snapshot:    []byte(`{"outcome":"rejected","reason":"invalid-amount","balance":"0","version":0}`),
		CreatedAt:   time.Now().UTC(),
	}

	insert := func() error {
		return store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertRecord(ctx, rec)
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ledger.ErrDuplicateMessage)

	got, err := store.Lookup(ctx, rec.MessageID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OutcomeRejected, got.Outcome)
	assert.JSONEq(t, string(rec.Snapshot), string(got.Snapshot))
}

func TestStore_PendingEventsAndAccountReads(t *testing.T) {
	store, ns := setupStore(t)
	l := ledger.New(store)
	ctx := context.Background()

	_, err := l.Account(ctx, ns+"missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	res, err := l.Apply(ctx, command(ns+"pend", domain.CommandDeposit,
		domain.Payload{AccountID: ns + "A", Amount: decimal.RequireFromString("12.34")}))
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	pendingIDs := func() map[string]bool {
		events, err := l.PendingEvents(ctx, 10_000)
		require.NoError(t, err)
		ids := make(map[string]bool, len(events))
		for _, e := range events {
			ids[e.EventID] = true
		}
		return ids
	}
	assert.True(t, pendingIDs()[res.Event.EventID])

	require.NoError(t, l.MarkPublished(ctx, res.Event.EventID))
	assert.False(t, pendingIDs()[res.Event.EventID])
}
