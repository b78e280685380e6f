package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Topology names the streams and the durable consumer the service relies on.
// Commands use work-queue retention: a message leaves the stream once acked
// or terminated, mirroring a durable AMQP queue.
type Topology struct {
	CommandStream     string
	CommandSubjects   string
	EventStream       string
	EventSubjects     string
	DeadLetterStream  string
	DeadLetterSubject string

	Consumer      string
	MaxAckPending int
	AckWait       time.Duration
	MaxDeliver    int
	DedupeWindow  time.Duration
}

// EnsureTopology declares streams and the command consumer idempotently
func EnsureTopology(ctx context.Context, js jetstream.JetStream, t Topology) (jetstream.Consumer, error) {
	streams := []jetstream.StreamConfig{
		{
			Name:      t.CommandStream,
			Subjects:  []string{t.CommandSubjects},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:       t.EventStream,
			Subjects:   []string{t.EventSubjects},
			Retention:  jetstream.LimitsPolicy,
			Storage:    jetstream.FileStorage,
			Duplicates: t.DedupeWindow,
		},
		{
			Name:      t.DeadLetterStream,
			Subjects:  []string{t.DeadLetterSubject},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("declare stream %s: %w", cfg.Name, err)
		}
		slog.Info("stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, t.CommandStream, jetstream.ConsumerConfig{
		Durable:       t.Consumer,
		FilterSubject: t.CommandSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.AckWait,
		MaxDeliver:    t.MaxDeliver,
		MaxAckPending: t.MaxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("declare consumer %s: %w", t.Consumer, err)
	}
	slog.Info("consumer ready", "stream", t.CommandStream, "consumer", t.Consumer, "max_ack_pending", t.MaxAckPending)

	return consumer, nil
}
