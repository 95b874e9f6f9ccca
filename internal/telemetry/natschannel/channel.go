// Package natschannel implements telemetry.Channel on top of NATS subjects.
package natschannel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"fleettrack/internal/telemetry"
)

type Channel struct {
	url      string
	username string
	password string
	token    string
	backoff  time.Duration
	logger   *slog.Logger

	state telemetry.ConnState

	mu   sync.Mutex
	nc   *nats.Conn
	done chan struct{}
}

type Option func(*Channel)

func WithUserInfo(username, password string) Option {
	return func(c *Channel) {
		c.username = username
		c.password = password
	}
}

func WithToken(token string) Option {
	return func(c *Channel) { c.token = token }
}

func New(url string, backoff time.Duration, logger *slog.Logger, opts ...Option) *Channel {
	c := &Channel{
		url:     url,
		backoff: backoff,
		logger:  logger.With("component", "nats_channel"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("fleettrack"),
		nats.ReconnectWait(c.backoff),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			if !c.adopt(nc) {
				return
			}
			c.logger.Info("connected", "url", nc.ConnectedUrl())
			c.state.SetConnected(true)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if !c.live(nc) {
				return
			}
			c.logger.Warn("disconnected", "error", err, "retry_in", c.backoff)
			c.state.SetConnected(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if !c.adopt(nc) {
				return
			}
			c.logger.Info("reconnected", "url", nc.ConnectedUrl())
			c.state.SetConnected(true)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("connection closed")
		}),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	return opts
}

// Connect opens the shared connection. The nats client owns reconnection;
// subscriptions are restored by it after a reconnect.
func (c *Channel) Connect(ctx context.Context, onReady func()) error {
	if !c.state.Begin(onReady) {
		return nil
	}

	nc, err := nats.Connect(c.url, c.options()...)
	if err != nil {
		c.state.Reset()
		return fmt.Errorf("connecting to nats: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.nc = nc
	c.done = done
	c.mu.Unlock()

	if nc.IsConnected() && !c.state.Connected() {
		c.state.SetConnected(true)
	}

	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(done)
		case <-done:
		}
	}()
	return nil
}

// adopt records nc as the live connection. Handlers can fire before
// nats.Connect returns, so they publish the connection themselves.
func (c *Channel) adopt(nc *nats.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nc.IsClosed() {
		return false
	}
	c.nc = nc
	return true
}

// live is false for callbacks of a connection Close already tore down
func (c *Channel) live(nc *nats.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !nc.IsClosed()
}

func (c *Channel) OnStatus(fn func(bool)) func() {
	return c.state.OnStatus(fn)
}

func (c *Channel) Subscribe(topic string, onMessage func([]byte)) (telemetry.Subscription, error) {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return nil, telemetry.ErrNotConnected
	}

	sub, err := nc.Subscribe(topic, func(msg *nats.Msg) {
		onMessage(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing %s: %w", topic, err)
	}

	return telemetry.SubscriptionFunc(func() error {
		if !sub.IsValid() {
			return nil
		}
		return sub.Unsubscribe()
	}), nil
}

func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown closes the current connection. A non-nil owner only matches the
// connection it was created with, so a context watcher from an earlier
// Connect cannot close a newer one.
func (c *Channel) shutdown(owner chan struct{}) {
	c.mu.Lock()
	if owner != nil && owner != c.done {
		c.mu.Unlock()
		return
	}
	nc, done := c.nc, c.done
	c.nc, c.done = nil, nil
	if nc != nil {
		nc.Close()
	}
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	c.state.Reset()
}
