package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"fleettrack/internal/domain"
)

// DecodeFunc turns a raw channel payload into a vehicle snapshot
type DecodeFunc func(payload []byte) ([]domain.TrackedVehicle, error)

// PushSource subscribes to a topic on a shared Channel. Every message is a
// full snapshot and is applied as a batch.
type PushSource struct {
	channel Channel
	topic   string
	decode  DecodeFunc
	logger  *slog.Logger
}

func NewPushSource(channel Channel, topic string, decode DecodeFunc, logger *slog.Logger) *PushSource {
	return &PushSource{
		channel: channel,
		topic:   topic,
		decode:  decode,
		logger:  logger.With("component", "push_source", "topic", topic),
	}
}

type pushSubscription struct {
	mu           sync.Mutex
	closed       bool
	handle       Subscription
	removeStatus func()
}

func (s *PushSource) Subscribe(ctx context.Context, sink Sink) (Subscription, error) {
	sub := &pushSubscription{}
	sink.SetStatus(StatusConnecting)

	// A subscribe that failed in onReady is retried on the next transition
	// to connected.
	sub.removeStatus = s.channel.OnStatus(func(connected bool) {
		if connected {
			sink.SetStatus(StatusConnected)
			s.subscribe(sub, sink)
			return
		}
		s.logger.Warn("push channel disconnected, keeping last known state")
		sink.SetStatus(StatusDisconnected)
	})

	err := s.channel.Connect(ctx, func() { s.subscribe(sub, sink) })
	if err != nil {
		sub.removeStatus()
		return nil, fmt.Errorf("connecting push channel: %w", err)
	}

	return SubscriptionFunc(sub.unsubscribe), nil
}

// subscribe opens the topic subscription once per pushSubscription
func (s *PushSource) subscribe(sub *pushSubscription, sink Sink) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.handle != nil {
		return
	}
	handle, err := s.channel.Subscribe(s.topic, func(payload []byte) {
		s.deliver(sink, payload)
	})
	if err != nil {
		s.logger.Error("subscribe failed, retrying on next connect", "error", err)
		sink.SetStatus(StatusDisconnected)
		return
	}
	sub.handle = handle
	sink.SetStatus(StatusConnected)
	s.logger.Info("subscribed")
}

func (s *PushSource) deliver(sink Sink, payload []byte) {
	vehicles, err := s.decode(payload)
	if err != nil {
		s.logger.Warn("dropping malformed telemetry payload", "error", err, "size_bytes", len(payload))
		return
	}
	sink.ApplyBatch(vehicles)
}

func (p *pushSubscription) unsubscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.removeStatus()

	if p.handle == nil {
		return nil
	}
	handle := p.handle
	p.handle = nil
	return handle.Unsubscribe()
}
