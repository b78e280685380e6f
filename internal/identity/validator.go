// Package identity validates command actors against the external identity
// registry over a request/reply exchange on the broker.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ReasonMalformedDNI is the local denial for identifiers the registry could never accept
const ReasonMalformedDNI = "malformed-dni"

// DefaultTimeout bounds one registry round trip
const DefaultTimeout = 3 * time.Second

var (
	dniPattern = regexp.MustCompile(`^[0-9]{8}$`)

	errClosed = errors.New("identity validator closed")
)

// Publisher sends the request message; *nats.Conn satisfies it
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Subscriber registers the reply handler; *nats.Conn satisfies it
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Decision is the registry's verdict for one actor
type Decision struct {
	Authorized bool
	Reason     string
}

// Validator is an RPC client for the identity registry. Every call gets a
// fresh correlation id and waits on its own entry in the pending table, so
// concurrent validations never block each other.
type Validator struct {
	pub            Publisher
	requestSubject string
	replySubject   string
	timeout        time.Duration
	newID          func() string

	mu      sync.Mutex
	pending map[string]chan domain.ValidationResponse
	closed  bool
	sub     *nats.Subscription
}

// NewValidator creates a validator publishing on requestSubject and expecting
// replies on replySubject, which must be unique to this service instance.
func NewValidator(pub Publisher, requestSubject, replySubject string, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		pub:            pub,
		requestSubject: requestSubject,
		replySubject:   replySubject,
		timeout:        timeout,
		newID:          func() string { return uuid.NewString() },
		pending:        make(map[string]chan domain.ValidationResponse),
	}
}

// Listen subscribes to the instance reply subject
func (v *Validator) Listen(sub Subscriber) error {
	s, err := sub.Subscribe(v.replySubject, v.HandleReply)
	if err != nil {
		return fmt.Errorf("subscribe identity replies on %s: %w", v.replySubject, err)
	}
	v.mu.Lock()
	v.sub = s
	v.mu.Unlock()
	slog.Info("identity validator listening", "reply_subject", v.replySubject, "request_subject", v.requestSubject)
	return nil
}

// Validate asks the registry whether actorDNI may issue a command of type cmdType.
// A missing answer within the timeout yields domain.ErrValidationTimeout.
func (v *Validator) Validate(ctx context.Context, actorDNI string, cmdType domain.CommandType) (Decision, error) {
	if !dniPattern.MatchString(actorDNI) {
		telemetry.IdentityRequestsTotal.WithLabelValues("denied").Inc()
		return Decision{Reason: ReasonMalformedDNI}, nil
	}

	ctx, span := telemetry.Tracer.Start(ctx, "identity.Validate")
	defer span.End()

	correlationID := v.newID()
	ch := make(chan domain.ValidationResponse, 1)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %w", domain.ErrValidationTimeout, errClosed)
	}
	v.pending[correlationID] = ch
	v.mu.Unlock()
	defer v.forget(correlationID)

	data, err := json.Marshal(domain.ValidationRequest{
		CorrelationID: correlationID,
		ActorDNI:      actorDNI,
		CommandType:   cmdType,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("encode validation request: %w", err)
	}

	msg := nats.NewMsg(v.requestSubject)
	msg.Data = data
	msg.Reply = v.replySubject
	msg.Header.Set(queue.HeaderCorrelationID, correlationID)
	msg.Header.Set(queue.HeaderReplyTo, v.replySubject)
	queue.InjectTrace(ctx, msg.Header)

	start := time.Now()
	if err := v.pub.PublishMsg(msg); err != nil {
		telemetry.IdentityRequestsTotal.WithLabelValues("error").Inc()
		// the registry is unreachable; same treatment as an unanswered request
		return Decision{}, fmt.Errorf("%w: publish request: %w", domain.ErrValidationTimeout, err)
	}

	timer := time.NewTimer(v.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		telemetry.IdentityLatency.Observe(time.Since(start).Seconds())
		if !ok {
			return Decision{}, fmt.Errorf("%w: %w", domain.ErrValidationTimeout, errClosed)
		}
		if resp.Authorized {
			telemetry.IdentityRequestsTotal.WithLabelValues("authorized").Inc()
			return Decision{Authorized: true}, nil
		}
		telemetry.IdentityRequestsTotal.WithLabelValues("denied").Inc()
		return Decision{Reason: resp.Reason}, nil
	case <-timer.C:
		telemetry.IdentityRequestsTotal.WithLabelValues("timeout").Inc()
		return Decision{}, fmt.Errorf("%w: no answer for %s within %s", domain.ErrValidationTimeout, correlationID, v.timeout)
	case <-ctx.Done():
		telemetry.IdentityRequestsTotal.WithLabelValues("timeout").Inc()
		return Decision{}, fmt.Errorf("%w: %w", domain.ErrValidationTimeout, ctx.Err())
	}
}

// HandleReply routes one registry answer to its waiting caller
func (v *Validator) HandleReply(msg *nats.Msg) {
	var resp domain.ValidationResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		slog.Warn("discarding malformed identity reply", "error", err)
		return
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = queue.Header(msg.Header, queue.HeaderCorrelationID)
	}
	if !v.Deliver(resp) {
		telemetry.IdentityOrphanReplies.Inc()
		slog.Debug("identity reply without pending request", "correlation_id", resp.CorrelationID)
	}
}

// Deliver completes the pending request matching resp. It returns false when
// nobody is waiting, e.g. the caller already timed out.
func (v *Validator) Deliver(resp domain.ValidationResponse) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch, ok := v.pending[resp.CorrelationID]
	if !ok {
		return false
	}
	delete(v.pending, resp.CorrelationID)
	ch <- resp
	return true
}

// Pending returns the number of requests awaiting an answer
func (v *Validator) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.pending)
}

// Close unsubscribes and fails every waiting caller
func (v *Validator) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	for id, ch := range v.pending {
		close(ch)
		delete(v.pending, id)
	}
	if v.sub != nil {
		return v.sub.Unsubscribe()
	}
	return nil
}

func (v *Validator) forget(correlationID string) {
	v.mu.Lock()
	delete(v.pending, correlationID)
	v.mu.Unlock()
}
