package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PollSource fetches the full vehicle list on a fixed interval
type PollSource struct {
	fetcher  Fetcher
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewPollSource(fetcher Fetcher, interval, timeout time.Duration, logger *slog.Logger) *PollSource {
	return &PollSource{
		fetcher:  fetcher,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "poll_source"),
	}
}

func (s *PollSource) Subscribe(ctx context.Context, sink Sink) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sink.SetStatus(StatusConnecting)
	go func() {
		defer close(done)
		s.run(ctx, sink)
	}()

	return stopOnce(cancel, done), nil
}

func (s *PollSource) run(ctx context.Context, sink Sink) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx, sink)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx, sink)
		}
	}
}

func (s *PollSource) poll(ctx context.Context, sink Sink) {
	fetchCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	vehicles, err := s.fetcher.FetchVehicles(fetchCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("failed to fetch vehicles", "error", err)
		sink.SetStatus(StatusDisconnected)
		return
	}

	sink.SetStatus(StatusConnected)
	sink.ApplyBatch(vehicles)

	s.logger.Debug("poll completed",
		"vehicles", len(vehicles),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// stopOnce cancels a background loop and waits for it to exit. Later calls
// are no-ops.
func stopOnce(cancel context.CancelFunc, done <-chan struct{}) Subscription {
	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			<-done
		})
		return nil
	})
}
