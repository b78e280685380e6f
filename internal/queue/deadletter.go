package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StreamPublisher is the JetStream publish call; jetstream.JetStream satisfies it
type StreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// DeadLetter is a command that could not be processed, kept for operator inspection
type DeadLetter struct {
	Subject    string
	Data       []byte
	Header     nats.Header
	Reason     string
	Deliveries uint64
}

// DeadLetterPublisher persists dead letters on a dedicated stream
type DeadLetterPublisher struct {
	js      StreamPublisher
	subject string
}

// NewDeadLetterPublisher creates a publisher writing to subject
func NewDeadLetterPublisher(js StreamPublisher, subject string) *DeadLetterPublisher {
	return &DeadLetterPublisher{js: js, subject: subject}
}

// Publish stores the original body and headers with the failure reason
func (p *DeadLetterPublisher) Publish(ctx context.Context, dl DeadLetter) error {
	msg := nats.NewMsg(p.subject)
	msg.Data = dl.Data
	for k, v := range dl.Header {
		msg.Header[k] = append([]string(nil), v...)
	}
	msg.Header.Set(HeaderDeadReason, dl.Reason)
	msg.Header.Set(HeaderDeliveries, strconv.FormatUint(dl.Deliveries, 10))
	msg.Header.Set(HeaderOrigSubject, dl.Subject)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
