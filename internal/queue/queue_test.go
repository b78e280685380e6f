package queue

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type recordingPublisher struct {
	msgs []*nats.Msg
}

func (p *recordingPublisher) PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.msgs = append(p.msgs, msg)
	return &jetstream.PubAck{Stream: "BANK_DEADLETTER", Sequence: uint64(len(p.msgs))}, nil
}

func TestDeadLetterPublisher_KeepsBodyAndReason(t *testing.T) {
	pub := &recordingPublisher{}
	dlq := NewDeadLetterPublisher(pub, "bank.dlq.cmd")

	header := nats.Header{}
	header.Set(HeaderCorrelationID, "corr-1")

	err := dlq.Publish(context.Background(), DeadLetter{
		Subject:    "bank.cmd.cmd",
		Data:       []byte(`{"broken":`),
		Header:     header,
		Reason:     "decode error",
		Deliveries: 1,
	})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "bank.dlq.cmd", msg.Subject)
	assert.Equal(t, `{"broken":`, string(msg.Data))
	assert.Equal(t, "corr-1", msg.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "decode error", msg.Header.Get(HeaderDeadReason))
	assert.Equal(t, "1", msg.Header.Get(HeaderDeliveries))
	assert.Equal(t, "bank.cmd.cmd", msg.Header.Get(HeaderOrigSubject))

	// The original header map must not be mutated
	assert.Empty(t, header.Get(HeaderDeadReason))
}

func TestTracePropagation_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	header := nats.Header{}
	InjectTrace(ctx, header)

	extracted := trace.SpanContextFromContext(ExtractTrace(context.Background(), header))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
	assert.True(t, extracted.IsRemote())
}

func TestHeader_NilSafe(t *testing.T) {
	assert.Empty(t, Header(nil, HeaderReplyTo))

	h := nats.Header{}
	h.Set(HeaderReplyTo, "q.bank.reply")
	assert.Equal(t, "q.bank.reply", Header(h, HeaderReplyTo))
}
