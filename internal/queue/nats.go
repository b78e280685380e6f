package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ConnOptions configures the broker connection
type ConnOptions struct {
	URL      string
	Name     string
	User     string
	Password string
}

// NATSClient wraps the NATS connection and its JetStream context
type NATSClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewNATSClient connects to NATS with automatic reconnection
func NewNATSClient(opts ConnOptions) (*NATSClient, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSClient{conn: conn, js: js}, nil
}

// Conn returns the underlying NATS connection
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// JetStream returns the JetStream context bound to the connection
func (c *NATSClient) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains pending publishes and closes the connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			slog.Warn("NATS drain failed", "error", err)
		}
		c.conn.Close()
	}
}
