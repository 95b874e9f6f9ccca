// Package amqpchannel implements telemetry.Channel on a RabbitMQ topic
// exchange. Every subscription gets its own exclusive, auto-deleted queue
// bound with the topic as routing key.
package amqpchannel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"fleettrack/internal/telemetry"
)

type subscription struct {
	tag       string
	topic     string
	onMessage func([]byte)
}

type Channel struct {
	url      string
	exchange string
	backoff  time.Duration
	logger   *slog.Logger

	state telemetry.ConnState
	dial  func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	ch     *amqp.Channel
	subs   map[string]*subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(url, exchange string, backoff time.Duration, logger *slog.Logger) *Channel {
	return &Channel{
		url:      url,
		exchange: exchange,
		backoff:  backoff,
		logger:   logger.With("component", "amqp_channel", "exchange", exchange),
		subs:     make(map[string]*subscription),
		dial:     amqp.Dial,
	}
}

func (c *Channel) Connect(ctx context.Context, onReady func()) error {
	if !c.state.Begin(onReady) {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.handleReconnect(runCtx)
	}()
	return nil
}

func (c *Channel) OnStatus(fn func(bool)) func() {
	return c.state.OnStatus(fn)
}

func (c *Channel) Subscribe(topic string, onMessage func([]byte)) (telemetry.Subscription, error) {
	sub := &subscription{
		tag:       "fleettrack-" + uuid.NewString(),
		topic:     topic,
		onMessage: onMessage,
	}

	c.mu.Lock()
	c.subs[sub.tag] = sub
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		if err := c.consume(ch, sub); err != nil {
			// replayed on the next reconnect
			c.logger.Warn("consume failed", "topic", topic, "error", err)
		}
	}

	return telemetry.SubscriptionFunc(func() error {
		c.mu.Lock()
		_, ok := c.subs[sub.tag]
		delete(c.subs, sub.tag)
		ch := c.ch
		c.mu.Unlock()

		if !ok || ch == nil || ch.IsClosed() {
			return nil
		}
		if err := ch.Cancel(sub.tag, false); err != nil {
			return fmt.Errorf("cancelling consumer %s: %w", sub.tag, err)
		}
		return nil
	}), nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.state.Reset()
	return nil
}

func (c *Channel) handleReconnect(ctx context.Context) {
	for {
		conn, err := c.connect()
		if err != nil {
			c.logger.Warn("failed to connect, retrying", "error", err, "retry_in", c.backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
				continue
			}
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		c.state.SetConnected(true)

		select {
		case <-ctx.Done():
			c.teardown(conn)
			c.state.SetConnected(false)
			return
		case amqpErr := <-closed:
			c.logger.Warn("connection lost", "error", amqpErr, "retry_in", c.backoff)
			c.teardown(conn)
			c.state.SetConnected(false)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

func (c *Channel) connect() (*amqp.Connection, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	c.mu.Lock()
	c.ch = ch
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.consume(ch, s); err != nil {
			c.logger.Warn("resubscribe failed", "topic", s.topic, "error", err)
		}
	}

	c.logger.Info("connected", "subscriptions", len(subs))
	return conn, nil
}

func (c *Channel) consume(ch *amqp.Channel, s *subscription) error {
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, s.topic, c.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}

	deliveries, err := ch.Consume(
		q.Name, // queue
		s.tag,  // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consuming: %w", err)
	}

	go deliver(deliveries, s.onMessage)
	return nil
}

// deliver hands message bodies to fn until the broker closes deliveries.
// Empty bodies carry no snapshot and are skipped.
func deliver(deliveries <-chan amqp.Delivery, fn func([]byte)) int {
	n := 0
	for d := range deliveries {
		if len(d.Body) == 0 {
			continue
		}
		fn(d.Body)
		n++
	}
	return n
}

func (c *Channel) teardown(conn *amqp.Connection) {
	c.mu.Lock()
	c.ch = nil
	c.mu.Unlock()
	if !conn.IsClosed() {
		conn.Close()
	}
}
