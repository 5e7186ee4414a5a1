package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBridge carries events between server instances over a RabbitMQ topic
// exchange. Publish sends to the exchange; Run consumes every instance's
// events and hands them to the local Publisher (normally a Hub).
type AMQPBridge struct {
	url            string
	exchange       string
	local          Publisher
	logger         *slog.Logger
	publishTimeout time.Duration

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

// AMQPOption configures an AMQPBridge.
type AMQPOption func(*AMQPBridge)

// WithAMQPLogger sets the logger.
func WithAMQPLogger(logger *slog.Logger) AMQPOption {
	return func(b *AMQPBridge) {
		b.logger = logger
	}
}

// WithExchange overrides the exchange name.
func WithExchange(name string) AMQPOption {
	return func(b *AMQPBridge) {
		if name != "" {
			b.exchange = name
		}
	}
}

// WithPublishTimeout bounds a single publish.
func WithPublishTimeout(timeout time.Duration) AMQPOption {
	return func(b *AMQPBridge) {
		b.publishTimeout = timeout
	}
}

// NewAMQPBridge creates a bridge delivering consumed events into local.
func NewAMQPBridge(url string, local Publisher, opts ...AMQPOption) *AMQPBridge {
	b := &AMQPBridge{
		url:            url,
		exchange:       "stageflow.changes",
		local:          local,
		logger:         slog.Default(),
		publishTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect dials the broker, declares the exchange and opens the publish channel.
func (b *AMQPBridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Dial: amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.conn = conn
	b.pubCh = ch
	b.logger.Info("connected change notifier to RabbitMQ", "url", sanitizeURL(b.url), "exchange", b.exchange)
	return ctx.Err()
}

// Publish sends events to the exchange. Failures are logged and swallowed.
func (b *AMQPBridge) Publish(ctx context.Context, events ...Event) {
	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil {
		b.logger.Warn("change notifier not connected; dropping events", "count", len(events))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()

	for _, evt := range events {
		msg, err := encodeEvent(evt)
		if err != nil {
			b.logger.Error("encode change event", "process_id", evt.ProcessID, "error", err)
			continue
		}
		b.mu.Lock()
		err = ch.PublishWithContext(ctx, b.exchange, routingKey(evt.ProcessID), false, false, msg)
		b.mu.Unlock()
		if err != nil {
			b.logger.Warn("publish change event", "process_id", evt.ProcessID, "error", err)
		}
	}
}

// Run consumes events from all instances until ctx ends or the connection
// drops.
func (b *AMQPBridge) Run(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("amqp bridge not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey("*"), b.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			evt, err := decodeEvent(d.Body)
			if err != nil {
				b.logger.Warn("discarding malformed change event", "error", err)
				continue
			}
			b.local.Publish(ctx, evt)
		}
	}
}

// Close shuts the connection down.
func (b *AMQPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn, b.pubCh = nil, nil
	return err
}

func routingKey(processID string) string {
	return "process." + processID
}

func encodeEvent(evt Event) (amqp.Publishing, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, err
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   at,
		Type:        string(evt.Entity) + "." + string(evt.ChangeKind),
		Body:        body,
	}, nil
}

func decodeEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, err
	}
	if evt.ProcessID == "" {
		return Event{}, errors.New("event without process_id")
	}
	// sequence numbers are local to each hub
	evt.Seq = 0
	return evt, nil
}

func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
