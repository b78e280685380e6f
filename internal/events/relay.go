package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/Estacio-S/Shibashito/internal/domain"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
)

// Outbox lists events committed by the ledger but not yet published
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]domain.DomainEvent, error)
}

// Sender publishes one event; *Publisher satisfies it
type Sender interface {
	Publish(ctx context.Context, event domain.DomainEvent) error
}

// Relay reconciles the outbox with the events stream: every interval it
// republishes events whose first publication failed.
type Relay struct {
	outbox   Outbox
	sender   Sender
	interval time.Duration
	batch    int
	backoff  *backoff.ExponentialBackOff
}

// NewRelay creates a relay scanning up to batch events every interval
func NewRelay(outbox Outbox, sender Sender, interval time.Duration, batch int) *Relay {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 10 * interval
	return &Relay{
		outbox:   outbox,
		sender:   sender,
		interval: interval,
		batch:    batch,
		backoff:  b,
	}
}

// Run reconciles until ctx is cancelled. Rounds that fail to publish back off
// exponentially so an unavailable broker is not hammered.
func (r *Relay) Run(ctx context.Context) error {
	slog.Info("outbox relay started", "interval", r.interval, "batch", r.batch)
	wait := r.interval
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox relay stopped")
			return nil
		case <-time.After(wait):
		}

		if _, err := r.RunOnce(ctx); err != nil {
			wait = r.backoff.NextBackOff()
			slog.Warn("outbox relay round failed", "error", err, "next_attempt", wait)
			continue
		}
		r.backoff.Reset()
		wait = r.interval
	}
}

// RunOnce publishes one batch of pending events and returns how many went out.
// It stops at the first failure to keep events in commit order.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, event := range pending {
		if err := r.sender.Publish(ctx, event); err != nil {
			return sent, err
		}
		sent++
		telemetry.EventsPublishedTotal.WithLabelValues("relayed").Inc()
	}
	if sent > 0 {
		slog.Info("outbox events reconciled", "count", sent)
	}
	return sent, nil
}
