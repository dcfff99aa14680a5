// Package taskbus announces created tasks on a NATS subject so that other
// services can react to them.
package taskbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/voxtask/internal/taskstore"
)

// DefaultSubject is the subject task events are published on.
const DefaultSubject = "voxtask.tasks.created"

// Event is the JSON payload of a task-created message.
type Event struct {
	Type string           `json:"type"`
	Task taskstore.Record `json:"task"`
}

// Config configures [Connect].
type Config struct {
	// Servers is a list of NATS server URLs. Required.
	Servers []string

	// Subject overrides [DefaultSubject].
	Subject string

	// ConnectTimeout bounds the initial connection. Defaults to 2s.
	ConnectTimeout time.Duration

	// Name identifies this client to the server. Defaults to "voxtask".
	Name string
}

// Client publishes task events.
type Client struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// Connect dials the configured servers.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("taskbus: no NATS servers configured")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "voxtask"
	}
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("taskbus: connect: %w", err)
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("taskbus: connect to nats: %w", err)
	}
	log.Info("taskbus: connected to NATS", "servers", url, "subject", cfg.Subject)

	return &Client{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Subject returns the subject events are published on.
func (c *Client) Subject() string { return c.subject }

// Publish sends a task-created event for r. Publishing is asynchronous on the
// NATS side; an error means the message could not be buffered.
func (c *Client) Publish(_ context.Context, r taskstore.Record) error {
	data, err := json.Marshal(Event{Type: "task.created", Task: r})
	if err != nil {
		return fmt.Errorf("taskbus: encode event: %w", err)
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("taskbus: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Check returns an error when the connection is down. It has the signature
// of a readiness checker.
func (c *Client) Check(context.Context) error {
	if !c.Healthy() {
		return errors.New("taskbus: nats not connected")
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("taskbus: closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}
