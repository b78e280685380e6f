// Package events publishes committed ledger events to the bank events stream.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPublishTimeout bounds a single broker acknowledgement wait
const DefaultPublishTimeout = 5 * time.Second

// Marker records that an outbox event reached the broker; *ledger.Ledger satisfies it
type Marker interface {
	MarkPublished(ctx context.Context, eventID string) error
}

// Publisher sends domain events to JetStream. The event id doubles as the
// broker message id, so republishing the same event within the stream's
// duplicate window is absorbed by the server.
type Publisher struct {
	js      queue.StreamPublisher
	prefix  string
	marker  Marker
	timeout time.Duration
}

// NewPublisher creates a publisher for subjects under prefix, e.g. bank.evt
func NewPublisher(js queue.StreamPublisher, prefix string, marker Marker) *Publisher {
	return &Publisher{
		js:      js,
		prefix:  prefix,
		marker:  marker,
		timeout: DefaultPublishTimeout,
	}
}

// Publish emits event and flags its outbox row. A failure is reported but the
// event stays in the outbox for the relay to pick up.
func (p *Publisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	subject := event.Subject(p.prefix)
	ctx, span := telemetry.Tracer.Start(ctx, "events.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", subject),
			attribute.String("event_id", event.EventID),
			attribute.String("message_id", event.MessageID),
		),
	)
	defer span.End()

	data, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("%w: encode event %s: %w", domain.ErrPublishFailure, event.EventID, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.EventID)
	queue.InjectTrace(ctx, msg.Header)

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ack, err := p.js.PublishMsg(pctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		telemetry.EventsPublishedTotal.WithLabelValues("lost").Inc()
		slog.ErrorContext(ctx, "event lost, left for reconciliation",
			"event_id", event.EventID,
			"message_id", event.MessageID,
			"account_id", event.AccountID,
			"error", err,
		)
		return fmt.Errorf("%w: event %s: %w", domain.ErrPublishFailure, event.EventID, err)
	}
	telemetry.EventsPublishedTotal.WithLabelValues("published").Inc()
	if ack != nil && ack.Duplicate {
		slog.DebugContext(ctx, "event already on stream", "event_id", event.EventID)
	}

	if err := p.marker.MarkPublished(ctx, event.EventID); err != nil {
		// harmless: the relay republishes and the stream drops the duplicate
		slog.WarnContext(ctx, "failed to mark event published", "event_id", event.EventID, "error", err)
	}
	return nil
}
