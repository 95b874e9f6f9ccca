package telemetry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"fleettrack/internal/domain"
)

// SimulatedSource emulates the motion of the vehicle assigned to a booking.
//
// Every tick draws a fresh progress fraction in [0,1) and places the vehicle
// at that fraction of the pickup-dropoff line. Progress is not monotonic, so
// the vehicle may jump backwards between ticks.
//
// TODO: switch to monotonic progress if product confirms the vehicle should
// only ever advance towards the dropoff.
type SimulatedSource struct {
	bookings BookingProvider
	interval time.Duration
	progress func() float64
	now      func() time.Time
	logger   *slog.Logger

	last *domain.Booking
}

type SimulatedOption func(*SimulatedSource)

// WithProgress replaces the random progress generator
func WithProgress(fn func() float64) SimulatedOption {
	return func(s *SimulatedSource) { s.progress = fn }
}

// WithClock replaces time.Now for record timestamps
func WithClock(fn func() time.Time) SimulatedOption {
	return func(s *SimulatedSource) { s.now = fn }
}

func NewSimulatedSource(bookings BookingProvider, interval time.Duration, logger *slog.Logger, opts ...SimulatedOption) *SimulatedSource {
	s := &SimulatedSource{
		bookings: bookings,
		interval: interval,
		progress: rand.Float64,
		now:      time.Now,
		logger:   logger.With("component", "simulated_source"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SimulatedSource) Subscribe(ctx context.Context, sink Sink) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sink.SetStatus(StatusIdle)
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, sink)
			}
		}
	}()

	return stopOnce(cancel, done), nil
}

func (s *SimulatedSource) tick(ctx context.Context, sink Sink) {
	booking, err := s.bookings.Booking(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("booking refresh failed, using last known booking", "error", err)
		booking = s.last
	}
	if booking == nil {
		return
	}
	s.last = booking

	if booking.Status != domain.BookingInProgress {
		sink.SetStatus(StatusIdle)
		return
	}

	progress := s.progress()
	pos := booking.Interpolate(progress)

	rec := booking.Vehicle.Clone()
	if rec.ID == "" {
		rec.ID = domain.VehicleID("booking-" + booking.ID)
	}
	if rec.Status == "" {
		rec.Status = domain.StatusInUse
	}
	rec.Position = &pos
	rec.LastUpdate = s.now()

	s.logger.Debug("simulated position",
		"booking_id", booking.ID,
		"vehicle_id", rec.ID,
		"progress", progress,
		"lat", pos.Latitude,
		"lon", pos.Longitude,
	)

	sink.SetStatus(StatusSimulating)
	sink.ApplyRecord(rec)
}
