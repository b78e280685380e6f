package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Estacio-S/Shibashito/internal/config"
	"github.com/Estacio-S/Shibashito/internal/events"
	"github.com/Estacio-S/Shibashito/internal/handler"
	"github.com/Estacio-S/Shibashito/internal/identity"
	"github.com/Estacio-S/Shibashito/internal/ingest"
	"github.com/Estacio-S/Shibashito/internal/ledger"
	"github.com/Estacio-S/Shibashito/internal/ledger/postgres"
	"github.com/Estacio-S/Shibashito/internal/ledger/sqlite"
	"github.com/Estacio-S/Shibashito/internal/projection"
	"github.com/Estacio-S/Shibashito/internal/queue"
	"github.com/Estacio-S/Shibashito/internal/reply"
	"github.com/Estacio-S/Shibashito/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bank service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	telemetry.InitLogger(cfg.ServiceName, level)

	cleanup, err := telemetry.InitTracer(telemetry.TracingConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Warn("failed to initialize tracer", "error", err)
	} else {
		defer cleanup()
	}

	gin.SetMode(gin.ReleaseMode)
	instanceID := uuid.Must(uuid.NewV7()).String()
	slog.Info("starting bank service", "instance_id", instanceID, "ledger_driver", cfg.Ledger.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Ledger
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	bankLedger := ledger.New(store)

	// 2. Broker
	natsClient, err := queue.NewNATSClient(queue.ConnOptions{
		URL:      cfg.NATS.URL,
		Name:     cfg.ServiceName + "-" + instanceID,
		User:     cfg.NATS.User,
		Password: cfg.NATS.Password,
	})
	if err != nil {
		return err
	}
	defer natsClient.Close()
	slog.Info("connected to NATS", "url", cfg.NATS.URL)

	source, err := queue.EnsureTopology(ctx, natsClient.JetStream(), queue.Topology{
		CommandStream:     cfg.Broker.CommandStream,
		CommandSubjects:   cfg.CommandSubjects(),
		EventStream:       cfg.Broker.EventStream,
		EventSubjects:     cfg.EventSubjects(),
		DeadLetterStream:  cfg.Broker.DeadLetterStream,
		DeadLetterSubject: cfg.Broker.DeadLetterSubject,
		Consumer:          cfg.Broker.CommandConsumer,
		MaxAckPending:     cfg.Workers.MaxAckPending,
		AckWait:           cfg.Workers.AckWait,
		MaxDeliver:        cfg.MaxDeliver(),
		DedupeWindow:      cfg.Broker.DedupeWindow,
	})
	if err != nil {
		return err
	}

	// 3. Identity RPC client
	validator := identity.NewValidator(natsClient.Conn(), cfg.Identity.RequestSubject,
		cfg.IdentityReplySubject(instanceID), cfg.Identity.Timeout)
	if err := validator.Listen(natsClient.Conn()); err != nil {
		return err
	}
	defer validator.Close()

	// 4. Outbound messaging
	publisher := events.NewPublisher(natsClient.JetStream(), cfg.Broker.EventExchange, bankLedger)
	relay := events.NewRelay(bankLedger, publisher, cfg.Workers.RelayInterval, cfg.Workers.RelayBatch)
	dispatcher := reply.NewDispatcher(natsClient.Conn())

	// 5. Command pipeline
	ingestor := ingest.NewIngestor(bankLedger, validator, publisher, dispatcher,
		ingest.RetryPolicy{
			MaxDeliveries: cfg.Workers.MaxDeliveries,
			BaseDelay:     cfg.Workers.RetryBaseDelay,
			MaxDelay:      cfg.Workers.RetryMaxDelay,
			Jitter:        0.2,
		},
		ingest.WithDefaultReplyTo(cfg.Broker.ClientReplyQueue),
		ingest.WithLedgerTimeout(cfg.Ledger.Timeout),
	)
	consumer := ingest.NewConsumer(source, ingestor,
		queue.NewDeadLetterPublisher(natsClient.JetStream(), cfg.Broker.DeadLetterSubject),
		cfg.Workers.Count,
		ingest.WithDrainTimeout(cfg.Workers.DrainTimeout))

	// 6. Read model
	sink, closeSink := openSink(ctx, cfg)
	defer closeSink()
	readModel := projection.NewReadModel(natsClient.Conn(), sink)
	if err := readModel.Start(cfg.EventSubjects()); err != nil {
		return fmt.Errorf("start read model: %w", err)
	}
	defer readModel.Stop()

	// 7. Operations HTTP surface
	h := handler.NewHandler(bankLedger, readModel, map[string]handler.Check{
		"nats": func(context.Context) error {
			if !natsClient.Conn().IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		},
		"ledger": func(ctx context.Context) error {
			_, err := bankLedger.PendingEvents(ctx, 1)
			return err
		},
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler.NewRouter(h),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down, draining in-flight commands")
		consumer.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Workers.DrainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server forced to shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("service stopped")
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Ledger.Driver {
	case config.DriverSQLite:
		slog.Info("opening sqlite ledger", "path", cfg.Ledger.DSN)
		return sqlite.Open(ctx, cfg.Ledger.DSN)
	default:
		slog.Info("connecting to postgres ledger")
		return postgres.NewStore(ctx, cfg.Ledger.DSN, cfg.Ledger.MaxConns)
	}
}

// openSink picks the Redis read model when configured, else the in-memory one
func openSink(ctx context.Context, cfg *config.Config) (projection.Sink, func()) {
	if cfg.Redis.Addr == "" {
		slog.Info("read model kept in memory")
		return projection.NewMemorySink(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, read model kept in memory", "addr", cfg.Redis.Addr, "error", err)
		client.Close()
		return projection.NewMemorySink(), func() {}
	}
	slog.Info("read model stored in redis", "addr", cfg.Redis.Addr)
	return projection.NewRedisSink(client, cfg.Redis.MarkerTTL), func() { client.Close() }
}
