// Package amqp implements the work queue contract on RabbitMQ. Commands go to
// a durable queue shared by all workers; events are read from a fanout
// exchange through a private queue per consumer.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"github.com/splax/statikk/internal/queue"
)

// Config describes the broker topology.
type Config struct {
	URL            string
	BuildsQueue    string
	EventsExchange string
	Prefetch       int
	// DialTimeout bounds the total time spent reconnecting before giving up.
	DialTimeout time.Duration
}

var (
	// ErrNoURL is returned when the broker address is not configured.
	ErrNoURL = errors.New("amqp: connection url not configured")
	// ErrNacked is returned when the broker refuses a published command.
	ErrNacked = errors.New("amqp: command rejected by broker")
)

// Client is a reconnecting RabbitMQ client. mu guards connection state and is
// never held while dialing; dialing admits one reconnect at a time.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   func(url string) (*amqplib.Connection, error)

	dialing chan struct{}

	mu     sync.Mutex
	conn   *amqplib.Connection
	pubCh  *amqplib.Channel
	closed bool
}

var _ queue.Client = (*Client)(nil)

// Dial connects to the broker and declares the commands queue.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNoURL
	}
	c := newClient(cfg, logger)
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BuildsQueue == "" {
		cfg.BuildsQueue = "builds"
	}
	if cfg.EventsExchange == "" {
		cfg.EventsExchange = "build-events"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "amqp"),
		dial:    amqplib.Dial,
		dialing: make(chan struct{}, 1),
	}
}

// PublishCommand sends cmd to the builds queue as a persistent message and
// waits for the broker to confirm it.
func (c *Client) PublishCommand(ctx context.Context, cmd queue.Command) error {
	headers, err := queue.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	table := make(amqplib.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	ch, err := c.publishChannel(ctx)
	if err != nil {
		return err
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", c.cfg.BuildsQueue, false, false, amqplib.Publishing{
		Headers:      table,
		DeliveryMode: amqplib.Persistent,
		Timestamp:    time.Now().UTC(),
	})
	if err == nil && confirm == nil {
		err = errors.New("channel not in confirm mode")
	}
	if err == nil {
		err = awaitConfirm(ctx, confirm)
	}
	if err != nil {
		c.dropPublishChannel(ch)
		return fmt.Errorf("publish %s command: %w", cmd.Action, err)
	}
	return nil
}

type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

func awaitConfirm(ctx context.Context, confirm confirmation) error {
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// ConsumeEvents binds a fresh exclusive queue to the events exchange. The
// returned channel closes when ctx ends or the broker drops the consumer.
func (c *Client) ConsumeEvents(ctx context.Context) (<-chan *queue.Delivery, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	source, err := c.bindEvents(ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan *queue.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-source:
				if !ok {
					c.logger.Warn("event consumer closed by broker")
					return
				}
				d := queue.NewDelivery(tableToHeaders(msg.Headers), msg.Body, func() error {
					return msg.Ack(false)
				})
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks the broker connection, reconnecting when needed.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// Close shuts down the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) bindEvents(ch *amqplib.Channel) (<-chan amqplib.Delivery, error) {
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.EventsExchange, amqplib.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.EventsExchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare event queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", c.cfg.EventsExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind event queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume event queue: %w", err)
	}
	return deliveries, nil
}

func (c *Client) current() (*amqplib.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, queue.ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	return nil, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connection returns the live connection, dialing a new one when needed.
func (c *Client) connection(ctx context.Context) (*amqplib.Connection, error) {
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}
	select {
	case c.dialing <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.dialing }()

	// Another caller may have reconnected while we waited.
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}

	backoff := retry.NewExponential(250 * time.Millisecond)
	backoff = retry.WithCappedDuration(5*time.Second, backoff)
	backoff = retry.WithMaxDuration(c.cfg.DialTimeout, backoff)

	var conn *amqplib.Connection
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if c.isClosed() {
			return queue.ErrClosed
		}
		var err error
		conn, err = c.dial(c.cfg.URL)
		if err != nil {
			c.logger.Warn("broker dial failed", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return nil, queue.ErrClosed
	}
	c.conn = conn
	c.pubCh = nil
	c.logger.Info("broker connected", "queue", c.cfg.BuildsQueue, "exchange", c.cfg.EventsExchange)
	return conn, nil
}

// publishChannel returns the confirm-mode channel used for commands.
func (c *Client) publishChannel(ctx context.Context) (*amqplib.Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, queue.ErrClosed
	}
	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.BuildsQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", c.cfg.BuildsQueue, err)
	}
	c.pubCh = ch
	return ch, nil
}

func (c *Client) dropPublishChannel(ch *amqplib.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh == ch {
		c.pubCh = nil
	}
	_ = ch.Close()
}

func tableToHeaders(table amqplib.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case nil:
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
