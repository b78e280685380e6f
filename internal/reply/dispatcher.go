// Package reply answers clients on the reply destination named by their command.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/nats-io/nats.go"
)

// Publisher sends a core NATS message; *nats.Conn satisfies it
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Dispatcher sends one correlated reply per command attempt
type Dispatcher struct {
	pub Publisher
}

// NewDispatcher creates a dispatcher over pub
func NewDispatcher(pub Publisher) *Dispatcher {
	return &Dispatcher{pub: pub}
}

// Reply publishes r to replyTo tagged with correlationID. Failures are logged
// and returned wrapping domain.ErrReplyFailure; callers never retry the command
// because of them.
func (d *Dispatcher) Reply(ctx context.Context, replyTo, correlationID string, r domain.Reply) error {
	if replyTo == "" {
		telemetry.RepliesTotal.WithLabelValues("skipped").Inc()
		slog.WarnContext(ctx, "command has no reply destination, reply dropped",
			"message_id", r.MessageID,
			"correlation_id", correlationID,
			"status", r.Status,
		)
		return nil
	}

	r.CorrelationID = correlationID
	data, err := json.Marshal(r)
	if err != nil {
		telemetry.RepliesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: encode reply: %w", domain.ErrReplyFailure, err)
	}

	msg := nats.NewMsg(replyTo)
	msg.Data = data
	msg.Header.Set(queue.HeaderCorrelationID, correlationID)
	queue.InjectTrace(ctx, msg.Header)

	if err := d.pub.PublishMsg(msg); err != nil {
		telemetry.RepliesTotal.WithLabelValues("failed").Inc()
		slog.ErrorContext(ctx, "reply delivery failed",
			"reply_to", replyTo,
			"correlation_id", correlationID,
			"message_id", r.MessageID,
			"error", err,
		)
		return fmt.Errorf("%w: publish to %s: %w", domain.ErrReplyFailure, replyTo, err)
	}

	telemetry.RepliesTotal.WithLabelValues("sent").Inc()
	slog.DebugContext(ctx, "reply sent", "reply_to", replyTo, "correlation_id", correlationID, "status", r.Status)
	return nil
}
