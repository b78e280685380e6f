package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/identity"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/Estacio-S/Shibashito/internal/ledger/sqlite"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	mu       sync.Mutex
	decision identity.Decision
	err      error
	calls    int
}

func (v *stubValidator) Validate(ctx context.Context, actorDNI string, cmdType domain.CommandType) (identity.Decision, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.decision, v.err
}

func (v *stubValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type recordingEvents struct {
	mu     sync.Mutex
	events []domain.DomainEvent
	err    error
}

func (p *recordingEvents) Publish(ctx context.Context, event domain.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type sentReply struct {
	replyTo       string
	correlationID string
	reply         domain.Reply
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (r *recordingReplier) Reply(ctx context.Context, replyTo, correlationID string, reply domain.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, sentReply{replyTo, correlationID, reply})
	return nil
}

type failingLedger struct {
	err error
}

func (f failingLedger) Lookup(ctx context.Context, messageID string) (ledger.Result, bool, error) {
	return ledger.Result{}, false, nil
}

func (f failingLedger) Apply(ctx context.Context, cmd domain.Command) (ledger.Result, error) {
	return ledger.Result{}, f.err
}

// blockingLedger never answers until the caller's context ends
type blockingLedger struct{}

func (blockingLedger) Lookup(ctx context.Context, messageID string) (ledger.Result, bool, error) {
	<-ctx.Done()
	return ledger.Result{}, false, ctx.Err()
}

func (blockingLedger) Apply(ctx context.Context, cmd domain.Command) (ledger.Result, error) {
	<-ctx.Done()
	return ledger.Result{}, ctx.Err()
}

type pipeline struct {
	ingestor  *Ingestor
	ledger    *ledger.Ledger
	validator *stubValidator
	events    *recordingEvents
	replies   *recordingReplier
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := &pipeline{
		ledger:    ledger.New(store),
		validator: &stubValidator{decision: identity.Decision{Authorized: true}},
		events:    &recordingEvents{},
		replies:   &recordingReplier{},
	}
	p.ingestor = NewIngestor(p.ledger, p.validator, p.events, p.replies, DefaultRetryPolicy())
	return p
}

func commandDelivery(body string, correlationID string, deliveries uint64) Delivery {
	h := nats.Header{}
	if correlationID != "" {
		h.Set(queue.HeaderCorrelationID, correlationID)
	}
	h.Set(queue.HeaderReplyTo, "q.bank.reply")
	return Delivery{
		Subject:      "bank.cmd.cmd",
		Data:         []byte(body),
		Header:       h,
		NumDelivered: deliveries,
	}
}

func TestHandle_DepositScenario(t *testing.T) {
	p := newPipeline(t)
	body := `{"messageId":"m1","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-001","amount":150.0}}`

	disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "corr-m1", 1))
	assert.Equal(t, Ack, disp.Action)

	acc, err := p.ledger.Account(context.Background(), "A-001")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, int64(1), acc.Version)

	require.Len(t, p.events.events, 1)
	event := p.events.events[0]
	assert.Equal(t, domain.CommandDeposit, event.Type)
	assert.Equal(t, "A-001", event.AccountID)
	assert.Equal(t, "m1", event.MessageID)
	assert.True(t, event.ResultingBalance.Equal(decimal.NewFromInt(150)))

	require.Len(t, p.replies.replies, 1)
	sent := p.replies.replies[0]
	assert.Equal(t, "q.bank.reply", sent.replyTo)
	assert.Equal(t, "corr-m1", sent.correlationID)
	assert.Equal(t, domain.ReplyOK, sent.reply.Status)
	require.NotNil(t, sent.reply.Balance)
	assert.True(t, sent.reply.Balance.Equal(decimal.NewFromInt(150)))
	assert.False(t, sent.reply.Replayed)
}

func TestHandle_RedeliveryReplaysOutcome(t *testing.T) {
	p := newPipeline(t)
	body := `{"messageId":"m-dup","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-1","amount":"20.00"}}`

	first := p.ingestor.Handle(context.Background(), commandDelivery(body, "c1", 1))
	second := p.ingestor.Handle(context.Background(), commandDelivery(body, "c1", 2))
	assert.Equal(t, Ack, first.Action)
	assert.Equal(t, Ack, second.Action)

	acc, err := p.ledger.Account(context.Background(), "A-1")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, int64(1), acc.Version)

	assert.Len(t, p.events.events, 1, "a replay must not emit a second event")
	assert.Equal(t, 1, p.validator.Calls(), "a replay skips identity validation")

	require.Len(t, p.replies.replies, 2)
	a, b := p.replies.replies[0].reply, p.replies.replies[1].reply
	assert.Equal(t, a.Status, b.Status)
	assert.True(t, a.Balance.Equal(*b.Balance))
	assert.True(t, b.Replayed)
}

func TestHandle_ConcurrentDuplicateDeliveries(t *testing.T) {
	p := newPipeline(t)
	body := `{"messageId":"m-race","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-race","amount":"5"}}`

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "c-race", 1))
			assert.Equal(t, Ack, disp.Action)
		}()
	}
	wg.Wait()

	acc, err := p.ledger.Account(context.Background(), "A-race")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(1), acc.Version)
	assert.Len(t, p.events.events, 1)
	assert.Len(t, p.replies.replies, 8)
	for _, r := range p.replies.replies {
		assert.Equal(t, domain.ReplyOK, r.reply.Status)
	}
}

func TestHandle_DeniedActor(t *testing.T) {
	p := newPipeline(t)
	p.validator.decision = identity.Decision{Reason: "not-registered"}
	body := `{"messageId":"m-denied","type":"deposit","actorDni":"99999999","payload":{"accountId":"A-2","amount":"10"}}`

	disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "c2", 1))
	assert.Equal(t, Ack, disp.Action)

	_, err := p.ledger.Account(context.Background(), "A-2")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Empty(t, p.events.events)

	require.Len(t, p.replies.replies, 1)
	assert.Equal(t, domain.ReplyDenied, p.replies.replies[0].reply.Status)
	assert.Equal(t, "not-registered", p.replies.replies[0].reply.Reason)

	// denial is not recorded, so a later authorized attempt still applies
	_, found, err := p.ledger.Lookup(context.Background(), "m-denied")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandle_RejectedCommand(t *testing.T) {
	p := newPipeline(t)
	deposit := `{"messageId":"m-d","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-3","amount":"10"}}`
	withdraw := `{"messageId":"m-w","type":"withdraw","actorDni":"01234567","payload":{"accountId":"A-3","amount":"10.01"}}`

	require.Equal(t, Ack, p.ingestor.Handle(context.Background(), commandDelivery(deposit, "", 1)).Action)
	require.Equal(t, Ack, p.ingestor.Handle(context.Background(), commandDelivery(withdraw, "", 1)).Action)

	acc, err := p.ledger.Account(context.Background(), "A-3")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(1), acc.Version)
	assert.Len(t, p.events.events, 1)

	require.Len(t, p.replies.replies, 2)
	rejected := p.replies.replies[1]
	assert.Equal(t, domain.ReplyRejected, rejected.reply.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, rejected.reply.Reason)
	// no correlation header: the message id stands in
	assert.Equal(t, "m-w", rejected.correlationID)
}

func TestHandle_ValidationTimeoutRetriesThenDeadLetters(t *testing.T) {
	p := newPipeline(t)
	p.validator.err = fmt.Errorf("%w: no answer", domain.ErrValidationTimeout)
	body := `{"messageId":"m-slow","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-4","amount":"1"}}`

	policy := DefaultRetryPolicy()
	for n := uint64(1); n < uint64(policy.MaxDeliveries); n++ {
		disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "c4", n))
		assert.Equal(t, Retry, disp.Action, "delivery %d", n)
		assert.Positive(t, disp.Delay)
	}
	assert.Empty(t, p.replies.replies, "retries do not answer the client")

	disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "c4", uint64(policy.MaxDeliveries)))
	assert.Equal(t, DeadLetter, disp.Action)
	assert.Contains(t, disp.Reason, domain.ReasonRetriesExhausted)

	require.Len(t, p.replies.replies, 1)
	assert.Equal(t, domain.ReplyFailed, p.replies.replies[0].reply.Status)
	assert.Equal(t, domain.ReasonRetriesExhausted, p.replies.replies[0].reply.Reason)

	_, err := p.ledger.Account(context.Background(), "A-4")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestHandle_LedgerUnavailableIsRetried(t *testing.T) {
	replies := &recordingReplier{}
	ing := NewIngestor(
		failingLedger{err: fmt.Errorf("%w: connection refused", domain.ErrLedgerUnavailable)},
		&stubValidator{decision: identity.Decision{Authorized: true}},
		&recordingEvents{},
		replies,
		DefaultRetryPolicy(),
	)
	body := `{"messageId":"m-db","type":"withdraw","actorDni":"01234567","payload":{"accountId":"A-5","amount":"1"}}`

	disp := ing.Handle(context.Background(), commandDelivery(body, "c5", 1))
	assert.Equal(t, Retry, disp.Action)
	assert.Empty(t, replies.replies)
}

func TestHandle_UnexpectedErrorDeadLettersImmediately(t *testing.T) {
	replies := &recordingReplier{}
	ing := NewIngestor(
		failingLedger{err: errors.New("boom")},
		&stubValidator{decision: identity.Decision{Authorized: true}},
		&recordingEvents{},
		replies,
		DefaultRetryPolicy(),
	)
	body := `{"messageId":"m-x","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-6","amount":"1"}}`

	disp := ing.Handle(context.Background(), commandDelivery(body, "c6", 1))
	assert.Equal(t, DeadLetter, disp.Action)
	require.Len(t, replies.replies, 1)
	assert.Equal(t, domain.ReplyFailed, replies.replies[0].reply.Status)
}

func TestHandle_PoisonMessage(t *testing.T) {
	p := newPipeline(t)

	disp := p.ingestor.Handle(context.Background(), commandDelivery(`{"messageId":`, "c7", 1))
	assert.Equal(t, DeadLetter, disp.Action)
	assert.Contains(t, disp.Reason, ReasonDecodeError)
	assert.Zero(t, p.validator.Calls())

	require.Len(t, p.replies.replies, 1)
	assert.Equal(t, "c7", p.replies.replies[0].correlationID)
	assert.Equal(t, domain.ReplyFailed, p.replies.replies[0].reply.Status)

	// without a correlation id there is no one to answer
	disp = p.ingestor.Handle(context.Background(), commandDelivery(`{"type":"deposit"}`, "", 1))
	assert.Equal(t, DeadLetter, disp.Action)
	assert.Len(t, p.replies.replies, 1)
}

func TestHandle_PublishFailureStillAcks(t *testing.T) {
	p := newPipeline(t)
	p.events.err = errors.New("stream unavailable")
	body := `{"messageId":"m-pub","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-8","amount":"3"}}`

	disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "c8", 1))
	assert.Equal(t, Ack, disp.Action)

	require.Len(t, p.replies.replies, 1)
	assert.Equal(t, domain.ReplyOK, p.replies.replies[0].reply.Status)

	pending, err := p.ledger.PendingEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "unpublished event stays in the outbox for the relay")
	assert.Equal(t, "m-pub", pending[0].MessageID)
}

func TestHandle_TransferScenario(t *testing.T) {
	p := newPipeline(t)
	seed := `{"messageId":"seed","type":"deposit","actorDni":"01234567","payload":{"accountId":"A","amount":"100"}}`
	seedB := `{"messageId":"seed-b","type":"deposit","actorDni":"01234567","payload":{"accountId":"B","amount":"1"}}`
	move := `{"messageId":"t1","type":"transfer","actorDni":"01234567","payload":{"fromAccountId":"A","toAccountId":"B","amount":"40.50"}}`
	missing := `{"messageId":"t2","type":"transfer","actorDni":"01234567","payload":{"fromAccountId":"A","toAccountId":"Z","amount":"1"}}`

	for _, body := range []string{seed, seedB, move, missing} {
		require.Equal(t, Ack, p.ingestor.Handle(context.Background(), commandDelivery(body, "", 1)).Action)
	}

	a, err := p.ledger.Account(context.Background(), "A")
	require.NoError(t, err)
	b, err := p.ledger.Account(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, "59.5", a.Balance.String())
	assert.Equal(t, "41.5", b.Balance.String())

	last := p.replies.replies[len(p.replies.replies)-1].reply
	assert.Equal(t, domain.ReplyRejected, last.Status)
	assert.Equal(t, domain.ReasonAccountNotFound, last.Reason)
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxDeliveries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.False(t, policy.Exhausted(1))
	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))
	assert.True(t, policy.Exhausted(10))

	prev := time.Duration(0)
	for n := uint64(1); n <= 10; n++ {
		d := policy.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "delay must not shrink")
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, time.Second, policy.Delay(10))
}

func TestHandle_DefaultReplyDestination(t *testing.T) {
	replies := &recordingReplier{}
	p := newPipeline(t)
	ing := NewIngestor(p.ledger, p.validator, p.events, replies, DefaultRetryPolicy(), WithDefaultReplyTo("q.bank.reply"))
	body := `{"messageId":"m-def","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-9","amount":"2"}}`

	disp := ing.Handle(context.Background(), Delivery{Subject: "bank.cmd.cmd", Data: []byte(body), NumDelivered: 1})
	assert.Equal(t, Ack, disp.Action)

	require.Len(t, replies.replies, 1)
	assert.Equal(t, "q.bank.reply", replies.replies[0].replyTo)
	assert.Equal(t, "m-def", replies.replies[0].correlationID)
}

func TestHandle_LedgerTimeoutIsRetried(t *testing.T) {
	replies := &recordingReplier{}
	ing := NewIngestor(
		blockingLedger{},
		&stubValidator{decision: identity.Decision{Authorized: true}},
		&recordingEvents{},
		replies,
		DefaultRetryPolicy(),
		WithLedgerTimeout(20*time.Millisecond),
	)
	body := `{"messageId":"m-hung","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-10","amount":"1"}}`

	start := time.Now()
	disp := ing.Handle(context.Background(), commandDelivery(body, "c10", 1))
	assert.Equal(t, Retry, disp.Action)
	assert.Contains(t, disp.Reason, domain.ErrLedgerUnavailable.Error())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, replies.replies)

	disp = ing.Handle(context.Background(), commandDelivery(body, "c10", uint64(DefaultRetryPolicy().MaxDeliveries)))
	assert.Equal(t, DeadLetter, disp.Action)
	require.Len(t, replies.replies, 1)
	assert.Equal(t, domain.ReasonRetriesExhausted, replies.replies[0].reply.Reason)
}

func TestHandle_OversizedAmountRejected(t *testing.T) {
	p := newPipeline(t)
	body := `{"messageId":"m-big","type":"deposit","actorDni":"01234567","payload":{"accountId":"A-11","amount":"100000000000000000000"}}`

	disp := p.ingestor.Handle(context.Background(), commandDelivery(body, "c11", 1))
	assert.Equal(t, Ack, disp.Action)
	assert.Empty(t, p.events.events)

	require.Len(t, p.replies.replies, 1)
	assert.Equal(t, domain.ReplyRejected, p.replies.replies[0].reply.Status)
	assert.Equal(t, domain.ReasonInvalidAmount, p.replies.replies[0].reply.Reason)

	// recorded, so a redelivery replays the rejection
	disp = p.ingestor.Handle(context.Background(), commandDelivery(body, "c11", 2))
	assert.Equal(t, Ack, disp.Action)
	require.Len(t, p.replies.replies, 2)
	assert.True(t, p.replies.replies[1].reply.Replayed)
	assert.Equal(t, domain.ReasonInvalidAmount, p.replies.replies[1].reply.Reason)
}
