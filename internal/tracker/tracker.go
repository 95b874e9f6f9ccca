// Package tracker merges telemetry into the live view of the fleet: the
// tracked vehicle collection, the current selection, the selected vehicle's
// trail and the map viewport.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleettrack/internal/domain"
	"fleettrack/internal/telemetry"
	"fleettrack/internal/trail"
	"fleettrack/internal/viewport"
)

var (
	ErrUnknownVehicle = errors.New("unknown vehicle")
	ErrAlreadyStarted = errors.New("tracker already started")
)

// State is a point-in-time copy of the tracker. Revision grows with every
// applied event.
type State struct {
	Vehicles  []domain.TrackedVehicle `json:"vehicles"`
	Selected  *domain.TrackedVehicle  `json:"selected,omitempty"`
	Trail     []trail.Point           `json:"trail"`
	Viewport  viewport.State          `json:"viewport"`
	Status    string                  `json:"status"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Revision  uint64                  `json:"revision"`
}

type Options struct {
	TrailCapacity int
	Center        domain.Position
	Zoom          int
	Now           func() time.Time
}

// Tracker applies each event (batch, record, selection, status change)
// atomically under a single lock. Listeners are called in event order while
// the lock is held, so they must not block or call back into the tracker.
type Tracker struct {
	mu        sync.Mutex
	vehicles  []domain.TrackedVehicle
	index     map[domain.VehicleID]int
	selected  *domain.TrackedVehicle
	trails    map[domain.VehicleID]*trail.History
	view      *viewport.Viewport
	status    string
	updatedAt time.Time
	revision  uint64
	ready     bool
	listeners []func(State)

	trailCapacity int
	now           func() time.Time

	source  telemetry.Source
	lifeMu  sync.Mutex
	sub     telemetry.Subscription
	started bool

	logger *slog.Logger
}

func New(source telemetry.Source, opts Options, logger *slog.Logger) *Tracker {
	if opts.TrailCapacity <= 0 {
		opts.TrailCapacity = trail.DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		vehicles:      []domain.TrackedVehicle{},
		index:         make(map[domain.VehicleID]int),
		trails:        make(map[domain.VehicleID]*trail.History),
		view:          viewport.New(opts.Center, opts.Zoom),
		status:        telemetry.StatusIdle,
		trailCapacity: opts.TrailCapacity,
		now:           opts.Now,
		source:        source,
		logger:        logger.With("component", "tracker"),
	}
}

// Start subscribes the configured telemetry source
func (t *Tracker) Start(ctx context.Context) error {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}
	sub, err := t.source.Subscribe(ctx, t)
	if err != nil {
		return fmt.Errorf("subscribing telemetry source: %w", err)
	}
	t.sub = sub
	t.started = true
	t.logger.Info("tracker started")
	return nil
}

// Stop cancels the telemetry subscription. It is safe to call repeatedly;
// only the first call reaches the source.
func (t *Tracker) Stop() error {
	t.lifeMu.Lock()
	sub := t.sub
	t.sub = nil
	t.started = false
	t.lifeMu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	t.SetStatus(telemetry.StatusStopped)
	t.logger.Info("tracker stopped")
	return err
}

// ApplyBatch replaces the tracked collection with a full snapshot
func (t *Tracker) ApplyBatch(vehicles []domain.TrackedVehicle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.vehicles = make([]domain.TrackedVehicle, 0, len(vehicles))
	t.index = make(map[domain.VehicleID]int, len(vehicles))
	for _, v := range vehicles {
		v = normalize(v.Clone(), now)
		if _, dup := t.index[v.ID]; !dup {
			t.index[v.ID] = len(t.vehicles)
		}
		t.vehicles = append(t.vehicles, v)
	}

	switch {
	case t.selected == nil && len(t.vehicles) > 0:
		t.selectLocked(t.vehicles[0])
		t.extendTrail(t.vehicles[0])
	case t.selected != nil:
		if i, ok := t.index[t.selected.ID]; ok {
			t.adoptSelected(t.vehicles[i])
			t.extendTrail(t.vehicles[i])
		}
	}

	t.touch(now)
}

// ApplyRecord merges a single vehicle update and extends its trail
func (t *Tracker) ApplyRecord(v domain.TrackedVehicle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	v = normalize(v.Clone(), now)

	if v.Position != nil {
		t.trailFor(v.ID).Add(trail.Point{Position: *v.Position, Timestamp: v.LastUpdate})
	}

	if i, ok := t.index[v.ID]; ok {
		t.vehicles[i] = v
	} else {
		t.index[v.ID] = len(t.vehicles)
		t.vehicles = append(t.vehicles, v)
	}

	switch {
	case t.selected == nil:
		t.selectLocked(v)
	case t.selected.ID == v.ID:
		t.adoptSelected(v)
	}

	t.touch(now)
}

// SelectVehicle focuses the viewport on a vehicle chosen by the user
func (t *Tracker) SelectVehicle(id domain.VehicleID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.index[id]; ok {
		t.selectLocked(t.vehicles[i])
	} else if t.selected != nil && t.selected.ID == id {
		t.selectLocked(*t.selected)
	} else {
		return fmt.Errorf("%w: %s", ErrUnknownVehicle, id)
	}

	t.notify()
	return nil
}

func (t *Tracker) SetStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == status {
		return
	}
	t.logger.Debug("status changed", "from", t.status, "to", status)
	t.status = status
	t.notify()
}

// SetZoom changes the viewport zoom level
func (t *Tracker) SetZoom(zoom int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.SetZoom(zoom)
	t.notify()
}

// Restore seeds the tracker from a previously persisted state
func (t *Tracker) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.vehicles = make([]domain.TrackedVehicle, 0, len(s.Vehicles))
	t.index = make(map[domain.VehicleID]int, len(s.Vehicles))
	for _, v := range s.Vehicles {
		if _, dup := t.index[v.ID]; !dup {
			t.index[v.ID] = len(t.vehicles)
		}
		t.vehicles = append(t.vehicles, v.Clone())
	}

	if s.Selected != nil {
		sel := s.Selected.Clone()
		t.selected = &sel
		h := t.trailFor(sel.ID)
		for _, p := range s.Trail {
			h.Add(p)
		}
	}
	t.view.Restore(s.Viewport)
	t.updatedAt = s.UpdatedAt
	t.ready = true

	t.logger.Info("state restored", "vehicles", len(t.vehicles), "selected", s.Selected != nil)
	t.notify()
}

// Subscribe registers a listener for state changes
func (t *Tracker) Subscribe(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) Vehicles() []domain.TrackedVehicle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyVehicles()
}

func (t *Tracker) Vehicle(id domain.VehicleID) (domain.TrackedVehicle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[id]
	if !ok {
		return domain.TrackedVehicle{}, false
	}
	return t.vehicles[i].Clone(), true
}

func (t *Tracker) Selected() (domain.TrackedVehicle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selected == nil {
		return domain.TrackedVehicle{}, false
	}
	return t.selected.Clone(), true
}

// Trail returns the trail of the selected vehicle, oldest first
func (t *Tracker) Trail() []trail.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selectedTrail()
}

func (t *Tracker) TrailFor(id domain.VehicleID) []trail.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.trails[id]; ok {
		return h.Points()
	}
	return []trail.Point{}
}

func (t *Tracker) Viewport() viewport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.State()
}

// TilesAround returns the tiles around the current viewport center
func (t *Tracker) TilesAround() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view.TilesAround()
}

func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Ready reports whether any telemetry has been applied or restored
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() State {
	s := State{
		Vehicles:  t.copyVehicles(),
		Trail:     t.selectedTrail(),
		Viewport:  t.view.State(),
		Status:    t.status,
		UpdatedAt: t.updatedAt,
		Revision:  t.revision,
	}
	if t.selected != nil {
		sel := t.selected.Clone()
		s.Selected = &sel
	}
	return s
}

func (t *Tracker) copyVehicles() []domain.TrackedVehicle {
	out := make([]domain.TrackedVehicle, len(t.vehicles))
	for i, v := range t.vehicles {
		out[i] = v.Clone()
	}
	return out
}

func (t *Tracker) selectedTrail() []trail.Point {
	if t.selected == nil {
		return []trail.Point{}
	}
	if h, ok := t.trails[t.selected.ID]; ok {
		return h.Points()
	}
	return []trail.Point{}
}

func (t *Tracker) selectLocked(v domain.TrackedVehicle) {
	sel := v.Clone()
	t.selected = &sel
	t.view.Select(sel.ID, sel.Position)
}

func (t *Tracker) adoptSelected(v domain.TrackedVehicle) {
	sel := v.Clone()
	t.selected = &sel
	t.view.Follow(sel.Position)
}

// extendTrail records a batch-delivered position for the selected vehicle,
// skipping samples that did not move.
func (t *Tracker) extendTrail(v domain.TrackedVehicle) {
	if v.Position == nil {
		return
	}
	h := t.trailFor(v.ID)
	if last, ok := h.Last(); ok && last.Position.Equal(*v.Position) {
		return
	}
	h.Add(trail.Point{Position: *v.Position, Timestamp: v.LastUpdate})
}

func (t *Tracker) trailFor(id domain.VehicleID) *trail.History {
	h, ok := t.trails[id]
	if !ok {
		h = trail.New(t.trailCapacity)
		t.trails[id] = h
	}
	return h
}

func (t *Tracker) touch(now time.Time) {
	t.updatedAt = now
	t.ready = true
	t.notify()
}

func (t *Tracker) notify() {
	t.revision++
	if len(t.listeners) == 0 {
		return
	}
	s := t.stateLocked()
	for _, fn := range t.listeners {
		fn(s)
	}
}

func normalize(v domain.TrackedVehicle, now time.Time) domain.TrackedVehicle {
	if v.Speed < 0 {
		v.Speed = 0
	}
	if v.Position != nil && v.LastUpdate.IsZero() {
		v.LastUpdate = now
	}
	return v
}
