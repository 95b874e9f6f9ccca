package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleettrack/internal/tracker"
)

// StateStore is the subset of RedisCache the persister needs
type StateStore interface {
	SetJSONCompressed(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSONCompressed(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
}

type StateTracker interface {
	Snapshot() tracker.State
	Restore(tracker.State)
}

// Persister keeps the last-known tracker state in Redis so a restarted
// process can serve the map before the first telemetry arrives.
type Persister struct {
	store   StateStore
	tracker StateTracker
	key     string
	ttl     time.Duration
	onSave  func(error)
	logger  *slog.Logger

	lastRevision uint64
}

func NewPersister(store StateStore, t StateTracker, instance string, ttl time.Duration, logger *slog.Logger) *Persister {
	return &Persister{
		store:   store,
		tracker: t,
		key:     KeyTrackerState(instance),
		ttl:     ttl,
		onSave:  func(error) {},
		logger:  logger.With("component", "state_persister"),
	}
}

// OnSave registers a hook called after every save attempt
func (p *Persister) OnSave(fn func(error)) {
	p.onSave = fn
}

// Restore loads persisted state into the tracker. It reports whether any
// state was found. An undecodable entry is dropped so the next save
// starts clean.
func (p *Persister) Restore(ctx context.Context) (bool, error) {
	var s tracker.State
	found, err := p.store.GetJSONCompressed(ctx, p.key, &s)
	if errors.Is(err, ErrCorruptState) {
		p.logger.Warn("discarding corrupt persisted state", "key", p.key, "error", err)
		if err := p.store.Delete(ctx, p.key); err != nil {
			return false, fmt.Errorf("deleting corrupt tracker state: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading tracker state: %w", err)
	}
	if !found {
		p.logger.Info("no persisted state")
		return false, nil
	}
	p.tracker.Restore(s)
	p.lastRevision = p.tracker.Snapshot().Revision
	return true, nil
}

// Save writes the current state if any event was applied since the last
// save, selection and zoom changes included.
func (p *Persister) Save(ctx context.Context) error {
	s := p.tracker.Snapshot()
	if s.Revision == p.lastRevision {
		return nil
	}

	start := time.Now()
	err := p.store.SetJSONCompressed(ctx, p.key, s, p.ttl)
	p.onSave(err)
	if err != nil {
		return fmt.Errorf("saving tracker state: %w", err)
	}
	p.lastRevision = s.Revision
	p.logger.Debug("state saved", "vehicles", len(s.Vehicles), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Run saves on every interval and once more when ctx is cancelled
func (p *Persister) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Save(flushCtx); err != nil {
				p.logger.Error("final state save failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Save(ctx); err != nil {
				p.logger.Error("state save failed", "error", err)
			}
		}
	}
}
