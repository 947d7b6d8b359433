package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sentinelstack/sentinel-soar/internal/models"
)

// StageEventsSubject is the subject worker agents publish stage-complete
// events on.
const StageEventsSubject = "soar.workflow.events"

// schedulerQueue groups subscribers so exactly one scheduler instance
// consumes each event.
const schedulerQueue = "scheduler"

// NATSConfig holds NATS connection parameters.
type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSBus implements Bus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewNATSBus connects to NATS with the supplied configuration.
func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSBus{conn: conn, logger: logger}, nil
}

// Conn exposes the underlying connection for components that share the
// transport, such as the agent dispatcher.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// Publish emits the event onto the stage-events subject.
func (b *NATSBus) Publish(_ context.Context, event models.StageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode stage event: %w", err)
	}
	return b.conn.Publish(StageEventsSubject, payload)
}

// Subscribe consumes stage events as part of the scheduler queue group.
// Malformed payloads are logged and skipped.
func (b *NATSBus) Subscribe(ctx context.Context, handler Handler) error {
	if b.sub != nil {
		return fmt.Errorf("already subscribed to %s", StageEventsSubject)
	}

	sub, err := b.conn.QueueSubscribe(StageEventsSubject, schedulerQueue, func(msg *nats.Msg) {
		var event models.StageEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping malformed stage event", slog.Any("error", err))
			return
		}
		handler(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", StageEventsSubject, err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	b.conn.Close()
	return nil
}
