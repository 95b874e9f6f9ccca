// Package wschannel implements telemetry.Channel over a WebSocket carrying
// JSON topic envelopes.
package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"fleettrack/internal/telemetry"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 4 << 20
)

// Envelope is the frame exchanged with the upstream feed
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Channel struct {
	url     string
	header  http.Header
	backoff time.Duration
	logger  *slog.Logger

	state telemetry.ConnState

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]map[string]func([]byte)
	cancel context.CancelFunc
	done   chan struct{}
}

func New(url, token string, backoff time.Duration, logger *slog.Logger) *Channel {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Channel{
		url:     url,
		header:  header,
		backoff: backoff,
		logger:  logger.With("component", "ws_channel"),
		subs:    make(map[string]map[string]func([]byte)),
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
		c.run(runCtx)
	}()
	return nil
}

func (c *Channel) OnStatus(fn func(bool)) func() {
	return c.state.OnStatus(fn)
}

func (c *Channel) Subscribe(topic string, onMessage func([]byte)) (telemetry.Subscription, error) {
	id := uuid.NewString()

	c.mu.Lock()
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[string]func([]byte))
	}
	c.subs[topic][id] = onMessage
	conn := c.conn
	c.mu.Unlock()

	if first && conn != nil {
		if err := c.send(conn, Envelope{Type: "subscribe", Topic: topic}); err != nil {
			// the reconnect loop replays subscriptions
			c.logger.Warn("subscribe frame failed", "topic", topic, "error", err)
		}
	}

	return telemetry.SubscriptionFunc(func() error {
		return c.unsubscribe(topic, id)
	}), nil
}

func (c *Channel) unsubscribe(topic, id string) error {
	c.mu.Lock()
	handlers, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(c.subs, topic)
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		if err := c.send(conn, Envelope{Type: "unsubscribe", Topic: topic}); err != nil {
			return fmt.Errorf("unsubscribing %s: %w", topic, err)
		}
	}
	return nil
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

func (c *Channel) run(ctx context.Context) {
	for {
		conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("dial failed", "url", c.url, "error", err, "retry_in", c.backoff)
			if !c.wait(ctx) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimit)

		c.mu.Lock()
		c.conn = conn
		topics := make([]string, 0, len(c.subs))
		for topic := range c.subs {
			topics = append(topics, topic)
		}
		c.mu.Unlock()

		for _, topic := range topics {
			if err := c.send(conn, Envelope{Type: "subscribe", Topic: topic}); err != nil {
				c.logger.Warn("resubscribe failed", "topic", topic, "error", err)
			}
		}

		c.logger.Info("connected", "url", c.url, "topics", len(topics))
		c.state.SetConnected(true)

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()
		c.state.SetConnected(false)

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost", "error", err, "retry_in", c.backoff)
		if !c.wait(ctx) {
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if env.Type != "message" {
			continue
		}
		c.dispatch(env.Topic, env.Payload)
	}
}

func (c *Channel) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	handlers := make([]func([]byte), 0, len(c.subs[topic]))
	for _, fn := range c.subs[topic] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}

func (c *Channel) send(conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Channel) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}
