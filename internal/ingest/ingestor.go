// Package ingest drives bank commands from the broker through identity
// validation, the ledger, event publication and the client reply.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/identity"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReasonDecodeError is the dead-letter and reply reason of malformed commands
const ReasonDecodeError = "decode-error"

// Action tells the consumer what to do with a delivery
type Action int

const (
	Ack Action = iota
	Retry
	DeadLetter
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Delivery is one inbound command message as seen by the ingestor
type Delivery struct {
	Subject      string
	Data         []byte
	Header       nats.Header
	NumDelivered uint64
}

// Disposition is the broker-side outcome of handling a delivery
type Disposition struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Ledger is the part of the ledger the ingestor drives
type Ledger interface {
	Lookup(ctx context.Context, messageID string) (ledger.Result, bool, error)
	Apply(ctx context.Context, cmd domain.Command) (ledger.Result, error)
}

// Validator authorizes command actors
type Validator interface {
	Validate(ctx context.Context, actorDNI string, cmdType domain.CommandType) (identity.Decision, error)
}

// EventPublisher emits committed domain events
type EventPublisher interface {
	Publish(ctx context.Context, event domain.DomainEvent) error
}

// Replier answers the client that issued a command
type Replier interface {
	Reply(ctx context.Context, replyTo, correlationID string, reply domain.Reply) error
}

// Ingestor runs the command state machine for one delivery at a time; it is
// safe for concurrent use by the consumer's workers.
type Ingestor struct {
	ledger    Ledger
	validator Validator
	events    EventPublisher
	replies   Replier
	retry     RetryPolicy

	defaultReplyTo string
	ledgerTimeout  time.Duration
}

// Option configures an Ingestor
type Option func(*Ingestor)

// WithDefaultReplyTo sets the reply destination for commands that name none
func WithDefaultReplyTo(subject string) Option {
	return func(i *Ingestor) {
		i.defaultReplyTo = subject
	}
}

// WithLedgerTimeout bounds every ledger lookup and apply; an expired call is
// treated as the ledger being unavailable and the command is redelivered
func WithLedgerTimeout(d time.Duration) Option {
	return func(i *Ingestor) {
		i.ledgerTimeout = d
	}
}

// NewIngestor wires the pipeline stages
func NewIngestor(l Ledger, v Validator, events EventPublisher, replies Replier, retry RetryPolicy, opts ...Option) *Ingestor {
	i := &Ingestor{
		ledger:    l,
		validator: v,
		events:    events,
		replies:   replies,
		retry:     retry,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle processes one delivery. It never touches the broker message itself;
// the returned disposition says whether to ack, redeliver later or dead-letter.
// An Ack is only returned once the command's effect (or rejection) is committed.
func (i *Ingestor) Handle(ctx context.Context, d Delivery) Disposition {
	ctx = queue.ExtractTrace(ctx, d.Header)
	ctx, span := telemetry.Tracer.Start(ctx, "ingest.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", d.Subject),
			attribute.Int64("messaging.delivery_count", int64(d.NumDelivered)),
		),
	)
	defer span.End()

	telemetry.InflightCommands.Inc()
	defer telemetry.InflightCommands.Dec()
	start := time.Now()
	defer func() {
		telemetry.CommandDuration.Observe(time.Since(start).Seconds())
	}()

	cmd, err := domain.DecodeCommand(d.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		slog.WarnContext(ctx, "poison command", "subject", d.Subject, "error", err)

		// Best effort: the client may still be reachable through headers
		replyTo := queue.Header(d.Header, queue.HeaderReplyTo)
		if replyTo == "" {
			replyTo = i.defaultReplyTo
		}
		correlationID := queue.Header(d.Header, queue.HeaderCorrelationID)
		if replyTo != "" && correlationID != "" {
			i.reply(ctx, replyTo, correlationID, domain.Reply{
				CorrelationID: correlationID,
				Status:        domain.ReplyFailed,
				Reason:        ReasonDecodeError,
			})
		}
		telemetry.CommandsTotal.WithLabelValues("unknown", "dead_letter").Inc()
		telemetry.DeadLettersTotal.WithLabelValues(ReasonDecodeError).Inc()
		return Disposition{Action: DeadLetter, Reason: ReasonDecodeError + ": " + err.Error()}
	}
	fillRouting(&cmd, d.Header)
	if cmd.ReplyTo == "" {
		cmd.ReplyTo = i.defaultReplyTo
	}

	span.SetAttributes(
		attribute.String("message_id", cmd.MessageID),
		attribute.String("correlation_id", cmd.CorrelationID),
		attribute.String("command_type", string(cmd.Type)),
	)
	log := slog.With("message_id", cmd.MessageID, "correlation_id", cmd.CorrelationID, "type", cmd.Type)

	// Dedupe fast path
	res, found, err := i.lookup(ctx, cmd.MessageID)
	if err != nil {
		return i.transientFailure(ctx, span, d, cmd, err)
	}
	if found {
		telemetry.DuplicateCommandsTotal.Inc()
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "replayed").Inc()
		log.InfoContext(ctx, "replaying stored outcome", "outcome", res.Outcome, "deliveries", d.NumDelivered)
		i.reply(ctx, cmd.ReplyTo, cmd.CorrelationID, res.Reply(cmd))
		return Disposition{Action: Ack}
	}

	decision, err := i.validator.Validate(ctx, cmd.ActorDNI, cmd.Type)
	if err != nil {
		return i.transientFailure(ctx, span, d, cmd, err)
	}
	if !decision.Authorized {
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "denied").Inc()
		span.SetAttributes(attribute.String("outcome", "denied"))
		log.InfoContext(ctx, "actor denied", telemetry.KeyActorDNI, cmd.ActorDNI, "reason", decision.Reason)
		i.reply(ctx, cmd.ReplyTo, cmd.CorrelationID, domain.Reply{
			CorrelationID: cmd.CorrelationID,
			MessageID:     cmd.MessageID,
			Status:        domain.ReplyDenied,
			Reason:        decision.Reason,
		})
		return Disposition{Action: Ack}
	}

	res, err = i.apply(ctx, cmd)
	if err != nil {
		return i.transientFailure(ctx, span, d, cmd, err)
	}

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if res.Replayed {
		// a concurrent delivery committed first; its event is already in the outbox
		telemetry.DuplicateCommandsTotal.Inc()
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "replayed").Inc()
	} else {
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), string(res.Outcome)).Inc()
	}

	if res.Event != nil {
		if err := i.events.Publish(ctx, *res.Event); err != nil {
			// the ledger is the source of truth; the outbox relay retries the event
			log.WarnContext(ctx, "event publish failed", "event_id", res.Event.EventID, "error", err)
		}
	}
	if !res.Applied() {
		log.InfoContext(ctx, "command rejected", "error", res.Err())
	}

	i.reply(ctx, cmd.ReplyTo, cmd.CorrelationID, res.Reply(cmd))
	return Disposition{Action: Ack}
}

func (i *Ingestor) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.ledgerTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, i.ledgerTimeout)
}

func (i *Ingestor) lookup(ctx context.Context, messageID string) (ledger.Result, bool, error) {
	ctx, cancel := i.ledgerContext(ctx)
	defer cancel()
	res, found, err := i.ledger.Lookup(ctx, messageID)
	return res, found, ledgerError(err)
}

func (i *Ingestor) apply(ctx context.Context, cmd domain.Command) (ledger.Result, error) {
	ctx, cancel := i.ledgerContext(ctx)
	defer cancel()
	res, err := i.ledger.Apply(ctx, cmd)
	return res, ledgerError(err)
}

// ledgerError classifies a deadline hit inside the ledger as unavailability.
// A commit that raced the deadline is found by the next delivery's lookup.
func ledgerError(err error) error {
	if err == nil || domain.IsTransient(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}
	return err
}

// transientFailure retries the delivery or, once the policy is exhausted,
// dead-letters it and tells the client the command failed.
func (i *Ingestor) transientFailure(ctx context.Context, span trace.Span, d Delivery, cmd domain.Command, err error) Disposition {
	span.RecordError(err)

	if !domain.IsTransient(err) {
		span.SetStatus(codes.Error, "unexpected failure")
		slog.ErrorContext(ctx, "command failed permanently", "message_id", cmd.MessageID, "error", err)
		i.failReply(ctx, cmd, err)
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "dead_letter").Inc()
		telemetry.DeadLettersTotal.WithLabelValues("permanent").Inc()
		return Disposition{Action: DeadLetter, Reason: err.Error()}
	}

	if i.retry.Exhausted(d.NumDelivered) {
		span.SetStatus(codes.Error, "retries exhausted")
		slog.ErrorContext(ctx, "retries exhausted, dead-lettering command",
			"message_id", cmd.MessageID,
			"deliveries", d.NumDelivered,
			"error", err,
		)
		i.failReply(ctx, cmd, err)
		label := "ledger_unavailable"
		if errors.Is(err, domain.ErrValidationTimeout) {
			label = "validation_timeout"
		}
		telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "dead_letter").Inc()
		telemetry.DeadLettersTotal.WithLabelValues(label).Inc()
		return Disposition{Action: DeadLetter, Reason: domain.ReasonRetriesExhausted + ": " + err.Error()}
	}

	delay := i.retry.Delay(d.NumDelivered)
	slog.WarnContext(ctx, "transient failure, command will be redelivered",
		"message_id", cmd.MessageID,
		"deliveries", d.NumDelivered,
		"delay", delay,
		"error", err,
	)
	telemetry.CommandsTotal.WithLabelValues(string(cmd.Type), "retry").Inc()
	return Disposition{Action: Retry, Delay: delay, Reason: err.Error()}
}

func (i *Ingestor) failReply(ctx context.Context, cmd domain.Command, err error) {
	reason := domain.ReasonRetriesExhausted
	if !domain.IsTransient(err) {
		reason = "internal-error"
	}
	i.reply(ctx, cmd.ReplyTo, cmd.CorrelationID, domain.Reply{
		CorrelationID: cmd.CorrelationID,
		MessageID:     cmd.MessageID,
		Status:        domain.ReplyFailed,
		Reason:        reason,
	})
}

// reply failures are logged by the dispatcher and never change the disposition
func (i *Ingestor) reply(ctx context.Context, replyTo, correlationID string, r domain.Reply) {
	_ = i.replies.Reply(ctx, replyTo, correlationID, r)
}

// fillRouting resolves where the reply goes and how the client correlates it.
// Headers win over body fields; without any correlation id the message id is used.
func fillRouting(cmd *domain.Command, h nats.Header) {
	if v := queue.Header(h, queue.HeaderCorrelationID); v != "" {
		cmd.CorrelationID = v
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = cmd.MessageID
	}
	if v := queue.Header(h, queue.HeaderReplyTo); v != "" {
		cmd.ReplyTo = v
	}
}
