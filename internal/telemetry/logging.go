package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// KeyActorDNI is the log key for actor identifiers; its value is always masked
const KeyActorDNI = "actor_dni"

// Logger is the global structured logger
var Logger *slog.Logger

// traceHandler stamps every record logged with a span in its context with
// trace_id and span_id, so logs and traces can be joined.
type traceHandler struct {
	next slog.Handler
}

// WithTraceContext wraps next with trace id enrichment
func WithTraceContext(next slog.Handler) slog.Handler {
	return traceHandler{next: next}
}

func (h traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{next: h.next.WithGroup(name)}
}

// MaskDNI keeps the last two digits of an identity document number
func MaskDNI(dni string) string {
	if len(dni) <= 2 {
		return strings.Repeat("*", len(dni))
	}
	return strings.Repeat("*", len(dni)-2) + dni[len(dni)-2:]
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if a.Key == KeyActorDNI && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, MaskDNI(a.Value.String()))
	}
	return a
}

// NewLogger builds the JSON logger used by the service
func NewLogger(w io.Writer, serviceName string, level slog.Leveler) *slog.Logger {
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	})
	return slog.New(WithTraceContext(base)).With(slog.String("service", serviceName))
}

// InitLogger installs the service logger as the slog default
func InitLogger(serviceName string, level slog.Level) {
	Logger = NewLogger(os.Stdout, serviceName, level)
	slog.SetDefault(Logger)
}
