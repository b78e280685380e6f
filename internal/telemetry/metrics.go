package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics (operations surface)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bank_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Command pipeline metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_commands_total",
			Help: "Total number of commands handled, by terminal outcome",
		},
		[]string{"type", "outcome"}, // applied, rejected, denied, retry, dead_letter, replayed
	)

	CommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bank_command_duration_seconds",
			Help:    "Time to handle a command end to end",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	InflightCommands = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bank_inflight_commands",
			Help: "Commands currently being processed by the worker pool",
		},
	)

	DuplicateCommandsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bank_duplicate_commands_total",
			Help: "Total number of redelivered commands answered from the idempotency log",
		},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_dead_letters_total",
			Help: "Total number of commands moved to the dead-letter path",
		},
		[]string{"reason"},
	)

	// Identity RPC metrics
	IdentityRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_identity_requests_total",
			Help: "Identity registry validations, by result",
		},
		[]string{"result"}, // authorized, denied, timeout, error
	)

	IdentityLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bank_identity_request_duration_seconds",
			Help:    "Round trip time of identity registry validations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	IdentityOrphanReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bank_identity_orphan_replies_total",
			Help: "Identity replies received with no pending request",
		},
	)

	// Ledger metrics
	LedgerApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bank_ledger_apply_duration_seconds",
			Help:    "Time to run one ledger apply transaction",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	LedgerAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bank_ledger_amount",
			Help:    "Amount distribution of applied commands",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
		[]string{"type"},
	)

	// Outbound messaging metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_events_published_total",
			Help: "Domain events published, by result",
		},
		[]string{"result"}, // published, lost, relayed
	)

	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_replies_total",
			Help: "Replies sent to clients, by result",
		},
		[]string{"result"}, // sent, failed, skipped
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)

	// Read model metrics
	ProjectedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_projected_events_total",
			Help: "Events applied to the balance read model, by result",
		},
		[]string{"result"}, // applied, duplicate, error
	)
)
