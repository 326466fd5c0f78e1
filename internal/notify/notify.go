// Package notify announces completed runs to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event is published after the aggregate tables have been rebuilt.
type Event struct {
	RunID            string    `json:"run_id"`
	LogicalDate      string    `json:"logical_date"`
	FactRows         int64     `json:"fact_rows"`
	LatestReportDate string    `json:"latest_report_date,omitempty"` // YYYY-MM-DD
	Tables           []string  `json:"tables"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Notifier publishes run events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// Config configures the notifier.
type Config struct {
	Backend  string // "none" | "amqp" | "webhook" | "file"
	URL      string
	Queue    string
	AuditDir string
}

// New creates a notifier based on configuration.
func New(cfg Config) (Notifier, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "amqp":
		if cfg.URL == "" {
			return nil, fmt.Errorf("amqp notifier requires a URL")
		}
		return NewAMQP(cfg.URL, cfg.Queue), nil
	case "webhook":
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook notifier requires a URL")
		}
		return NewWebhook(cfg.URL, cfg.AuditDir)
	case "file":
		return NewFile(cfg.AuditDir)
	default:
		return nil, fmt.Errorf("unknown notify backend: %s", cfg.Backend)
	}
}

// Noop discards events.
type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }
func (Noop) Close() error                        { return nil }

// AMQP publishes events as persistent JSON messages to a durable RabbitMQ
// queue. It dials per event; runs are daily, so there is no connection to keep.
type AMQP struct {
	url   string
	queue string
}

func NewAMQP(url, queue string) *AMQP {
	return &AMQP{url: url, queue: queue}
}

func (n *AMQP) Notify(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(n.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", n.queue, err)
	}

	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		n.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.RunID,
			Timestamp:    ev.CompletedAt,
			Type:         "covid_results_refreshed",
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", n.queue, err)
	}
	return nil
}

func (n *AMQP) Close() error { return nil }

func encode(ev Event) ([]byte, error) {
	if ev.RunID == "" {
		return nil, fmt.Errorf("event has no run ID")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}
