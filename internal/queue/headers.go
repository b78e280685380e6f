package queue

import (
	"context"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message headers carrying the AMQP-style properties of bank messages
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderReplyTo       = "Reply-To"
	HeaderDeadReason    = "Bank-Dead-Letter-Reason"
	HeaderDeliveries    = "Bank-Deliveries"
	HeaderOrigSubject   = "Bank-Original-Subject"
)

// carrier adapts NATS headers to the OpenTelemetry propagator. nats.Header and
// http.Header share a representation, so keys are canonicalized the same way.
func carrier(h nats.Header) propagation.HeaderCarrier {
	return propagation.HeaderCarrier(http.Header(h))
}

// InjectTrace writes the span context of ctx into h
func InjectTrace(ctx context.Context, h nats.Header) {
	if h == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier(h))
}

// ExtractTrace returns ctx enriched with the span context carried by h
func ExtractTrace(ctx context.Context, h nats.Header) context.Context {
	if h == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier(h))
}

// Header reads key from h, tolerating a nil header
func Header(h nats.Header, key string) string {
	if h == nil {
		return ""
	}
	if v := h.Get(key); v != "" {
		return v
	}
	return http.Header(h).Get(key)
}
