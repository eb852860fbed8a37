// ABOUTME: RabbitMQ client for the fan-out bus
// ABOUTME: Topic exchange plus a per-instance exclusive queue; room broadcasts are ephemeral

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds fan-out bus settings.
type Config struct {
	Enabled  bool
	URL      string
	Exchange string

	// ConnTimeout bounds the initial dial
	ConnTimeout time.Duration
}

// Frame is the wire format for one mirrored room broadcast.
type Frame struct {
	MessageID  string          `json:"message_id"`
	InstanceID string          `json:"instance_id"`
	RoomID     string          `json:"room_id"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// Client wraps one AMQP connection: a mutex-guarded publisher channel and a
// consumer on a per-instance exclusive queue. Broadcast frames are
// transient, so there is no retry topology; a frame missed during a broker
// outage is simply not mirrored.
type Client struct {
	conn     *amqp.Connection
	exchange string
	queue    string
	logger   *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

// NewClient dials the broker and declares the topic exchange and this
// instance's exclusive queue bound to every routing key.
func NewClient(ctx context.Context, cfg Config, instanceID string, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bus URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "helpdeskd.rooms"
	}
	queue := exchange + "." + instanceID

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}
	// Exclusive auto-delete queue: each instance sees every frame, and the
	// queue vanishes with the connection.
	if _, err := ch.QueueDeclare(queue, false, true, true, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring instance queue: %w", err)
	}
	if err := ch.QueueBind(queue, "#", exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("binding instance queue: %w", err)
	}

	logger.Info("fan-out bus connected", "exchange", exchange, "queue", queue)
	return &Client{
		conn:     conn,
		exchange: exchange,
		queue:    queue,
		logger:   logger,
		pubCh:    ch,
	}, nil
}

// Publish sends a frame to the exchange, routed by room ID.
func (c *Client) Publish(ctx context.Context, frame *Frame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	return c.pubCh.PublishWithContext(ctx, c.exchange, frame.RoomID, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		MessageId:   frame.MessageID,
		Timestamp:   frame.SentAt,
	})
}

// Consume delivers inbound frames to handle until ctx is cancelled or the
// connection drops. Frames that fail to decode are logged and dropped.
func (c *Client) Consume(ctx context.Context, handle func(*Frame)) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	defer ch.Close()

	deliveries, err := ch.Consume(c.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus consumer channel closed")
			}
			var frame Frame
			if err := json.Unmarshal(d.Body, &frame); err != nil {
				c.logger.Warn("dropping undecodable bus frame", "error", err)
				continue
			}
			handle(&frame)
		}
	}
}

// Healthy reports whether the underlying connection is open.
func (c *Client) Healthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close drains and closes the connection.
func (c *Client) Close() {
	c.pubMu.Lock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	c.pubMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
