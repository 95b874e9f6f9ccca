// Package telemetry delivers vehicle updates to the tracker.
//
// A Source is the strategy that produces updates: PushSource listens on a
// shared Channel, PollSource fetches full vehicle lists on an interval, and
// SimulatedSource moves a booked vehicle between pickup and dropoff. All of
// them hand their output to a Sink and are cancelled through the returned
// Subscription.
package telemetry

import (
	"context"
	"errors"

	"fleettrack/internal/domain"
)

// Status strings surfaced through Sink.SetStatus
const (
	StatusIdle         = "idle"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusSimulating   = "simulating"
	StatusStopped      = "stopped"
)

var ErrNotConnected = errors.New("channel not connected")

// Sink receives updates. Implementations must not block.
type Sink interface {
	ApplyBatch(vehicles []domain.TrackedVehicle)
	ApplyRecord(vehicle domain.TrackedVehicle)
	SetStatus(status string)
}

// Subscription cancels whatever a Subscribe call started
type Subscription interface {
	Unsubscribe() error
}

// SubscriptionFunc adapts a function to Subscription
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }

// Source produces telemetry for a Sink until unsubscribed
type Source interface {
	Subscribe(ctx context.Context, sink Sink) (Subscription, error)
}

// Channel is a process-wide, topic based push connection.
//
// Connect is idempotent: a second call never opens another connection, and
// onReady runs right away when the connection is already up. Reconnection
// after a transport failure is the channel's job; subscriptions survive it.
type Channel interface {
	Connect(ctx context.Context, onReady func()) error
	Subscribe(topic string, onMessage func(payload []byte)) (Subscription, error)
	OnStatus(fn func(connected bool)) (remove func())
	Close() error
}

// Fetcher returns the full current vehicle list
type Fetcher interface {
	FetchVehicles(ctx context.Context) ([]domain.TrackedVehicle, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context) ([]domain.TrackedVehicle, error)

func (f FetcherFunc) FetchVehicles(ctx context.Context) ([]domain.TrackedVehicle, error) {
	return f(ctx)
}

// BookingProvider returns the current state of the booking being simulated
type BookingProvider interface {
	Booking(ctx context.Context) (*domain.Booking, error)
}

// BookingFunc adapts a function to BookingProvider
type BookingFunc func(ctx context.Context) (*domain.Booking, error)

func (f BookingFunc) Booking(ctx context.Context) (*domain.Booking, error) {
	return f(ctx)
}

// StaticBooking always returns the same booking
func StaticBooking(b domain.Booking) BookingProvider {
	return BookingFunc(func(context.Context) (*domain.Booking, error) {
		copy := b
		return &copy, nil
	})
}
