// Package projection maintains a query-side view of account balances built
// from the bank events stream (CQRS read model).
package projection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned for accounts the read model has never seen
var ErrNotFound = errors.New("account not projected")

// View is the projected state of one account
type View struct {
	AccountID   string          `json:"accountId"`
	Balance     decimal.Decimal `json:"balance"`
	Version     int64           `json:"version"`
	LastEventID string          `json:"lastEventId"`
}

// Update is one account change carried by an event
type Update struct {
	AccountID string
	Balance   decimal.Decimal
	Version   int64
}

// Sink stores projected views. Apply must be atomic per event: it returns
// false without changes when eventID was already applied, and never replaces
// a view with one of a lower version.
type Sink interface {
	Apply(ctx context.Context, eventID string, updates []Update) (bool, error)
	Get(ctx context.Context, accountID string) (*View, error)
}

// UpdatesFor lists the account states an event establishes
func UpdatesFor(event domain.DomainEvent) []Update {
	updates := []Update{{
		AccountID: event.AccountID,
		Balance:   event.ResultingBalance,
		Version:   event.Version,
	}}
	if event.CounterpartyAccountID != "" && event.CounterpartyBalance != nil {
		updates = append(updates, Update{
			AccountID: event.CounterpartyAccountID,
			Balance:   *event.CounterpartyBalance,
			Version:   event.CounterpartyVersion,
		})
	}
	return updates
}

// ReadModel feeds a Sink from the events subject
type ReadModel struct {
	sink    Sink
	timeout time.Duration

	natsConn     *nats.Conn
	subscription *nats.Subscription
	stopOnce     sync.Once
}

// NewReadModel creates a read model writing to sink
func NewReadModel(natsConn *nats.Conn, sink Sink) *ReadModel {
	return &ReadModel{
		sink:     sink,
		timeout:  5 * time.Second,
		natsConn: natsConn,
	}
}

// Start subscribes to the event subjects, e.g. bank.evt.>
func (r *ReadModel) Start(eventSubject string) error {
	sub, err := r.natsConn.Subscribe(eventSubject, r.handleEvent)
	if err != nil {
		return err
	}

	r.subscription = sub
	slog.Info("read model started", "subject", eventSubject)
	return nil
}

// Stop unsubscribes from the event stream
func (r *ReadModel) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.subscription != nil {
			err = r.subscription.Drain()
		}
	})
	return err
}

func (r *ReadModel) handleEvent(msg *nats.Msg) {
	telemetry.NATSMessagesReceived.WithLabelValues(msg.Subject).Inc()

	event, err := domain.DeserializeEvent(msg.Data)
	if err != nil {
		telemetry.ProjectedEventsTotal.WithLabelValues("error").Inc()
		slog.Warn("failed to deserialize event in read model", "subject", msg.Subject, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(queue.ExtractTrace(context.Background(), msg.Header), r.timeout)
	defer cancel()
	if err := r.Project(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to project event", "event_id", event.EventID, "error", err)
	}
}

// Project applies one event to the sink
func (r *ReadModel) Project(ctx context.Context, event domain.DomainEvent) error {
	applied, err := r.sink.Apply(ctx, event.EventID, UpdatesFor(event))
	if err != nil {
		telemetry.ProjectedEventsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !applied {
		telemetry.ProjectedEventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	telemetry.ProjectedEventsTotal.WithLabelValues("applied").Inc()
	return nil
}

// Balance returns the projected view of an account
func (r *ReadModel) Balance(ctx context.Context, accountID string) (*View, error) {
	return r.sink.Get(ctx, accountID)
}
