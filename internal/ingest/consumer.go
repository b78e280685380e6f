package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
)

// Handler turns a delivery into a disposition; *Ingestor satisfies it
type Handler interface {
	Handle(ctx context.Context, d Delivery) Disposition
}

// DeadLetterSink stores commands that will never be processed; *queue.DeadLetterPublisher satisfies it
type DeadLetterSink interface {
	Publish(ctx context.Context, dl queue.DeadLetter) error
}

// message is the subset of jetstream.Msg the consumer settles
type message interface {
	Data() []byte
	Headers() nats.Header
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Consumer pulls commands from a durable JetStream consumer and handles them
// on a bounded pool of workers. The pool size and the consumer's
// MaxAckPending together cap the number of commands in flight.
type Consumer struct {
	source  jetstream.Consumer
	handler Handler
	dlq     DeadLetterSink
	workers int

	drainTimeout time.Duration

	mu   sync.Mutex
	iter jetstream.MessagesContext
}

// ErrDrainTimeout is returned by Run when in-flight commands outlive the drain timeout.
// Their messages stay unacked and are redelivered after AckWait.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithDrainTimeout bounds how long Run waits for in-flight commands after fetching stops
func WithDrainTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.drainTimeout = d
	}
}

// NewConsumer creates a consumer running at most workers commands concurrently
func NewConsumer(source jetstream.Consumer, handler Handler, dlq DeadLetterSink, workers int, opts ...ConsumerOption) *Consumer {
	if workers < 1 {
		workers = 1
	}
	c := &Consumer{
		source:  source,
		handler: handler,
		dlq:     dlq,
		workers: workers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches and dispatches commands until Stop is called or ctx ends, then
// waits for in-flight commands to be settled, at most the drain timeout.
func (c *Consumer) Run(ctx context.Context) error {
	iter, err := c.source.Messages(jetstream.PullMaxMessages(c.workers))
	if err != nil {
		return fmt.Errorf("open command iterator: %w", err)
	}
	c.mu.Lock()
	c.iter = iter
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, iter.Drain)
	defer stop()

	slog.Info("command consumer started", "workers", c.workers)

	// Workers outlive ctx so a command past its commit is still acked
	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.workers)

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				break
			}
			slog.Warn("command fetch failed", "error", err)
			continue
		}
		telemetry.NATSMessagesReceived.WithLabelValues(msg.Subject()).Inc()

		g.Go(func() error {
			c.Process(workCtx, msg)
			return nil
		})
	}

	if !awaitWorkers(func() { _ = g.Wait() }, c.drainTimeout) {
		slog.Warn("drain timeout reached with commands still in flight", "timeout", c.drainTimeout)
		return ErrDrainTimeout
	}
	slog.Info("command consumer stopped")
	return nil
}

// awaitWorkers runs wait and reports whether it finished within timeout.
// A non-positive timeout waits indefinitely.
func awaitWorkers(wait func(), timeout time.Duration) bool {
	if timeout <= 0 {
		wait()
		return true
	}
	idle := make(chan struct{})
	go func() {
		wait()
		close(idle)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

// Stop stops fetching new commands; Run returns once in-flight ones finish or the drain timeout expires
func (c *Consumer) Stop() {
	c.mu.Lock()
	iter := c.iter
	c.mu.Unlock()
	if iter != nil {
		iter.Drain()
	}
}

// Process handles one message and settles it with the broker
func (c *Consumer) Process(ctx context.Context, msg message) {
	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	d := Delivery{
		Subject:      msg.Subject(),
		Data:         msg.Data(),
		Header:       msg.Headers(),
		NumDelivered: delivered,
	}
	disp := c.handler.Handle(ctx, d)

	var err error
	switch disp.Action {
	case Ack:
		err = msg.Ack()
	case Retry:
		err = msg.NakWithDelay(disp.Delay)
	case DeadLetter:
		if perr := c.dlq.Publish(ctx, queue.DeadLetter{
			Subject:    d.Subject,
			Data:       d.Data,
			Header:     d.Header,
			Reason:     disp.Reason,
			Deliveries: delivered,
		}); perr != nil {
			// keep the command on the stream rather than lose it
			slog.ErrorContext(ctx, "dead-letter publish failed, redelivering", "error", perr)
			err = msg.NakWithDelay(DefaultRetryPolicy().MaxDelay)
			break
		}
		err = msg.Term()
	}
	if err != nil {
		slog.ErrorContext(ctx, "settle command failed", "action", disp.Action.String(), "error", err)
	}
}
