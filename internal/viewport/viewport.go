// Package viewport decides where the map is centered based on tracker
// output and explicit user selection.
package viewport

import "fleettrack/internal/domain"

// Mode is the reconciler state
type Mode string

const (
	ModeNoSelection Mode = "NO_SELECTION"
	ModeTracking    Mode = "TRACKING"
)

// State is a read-only copy of the viewport
type State struct {
	Mode       Mode             `json:"mode"`
	Center     domain.Position  `json:"center"`
	Zoom       int              `json:"zoom"`
	SelectedID domain.VehicleID `json:"selectedVehicleId,omitempty"`
	CenterTile string           `json:"centerTile"`
}

// Viewport is not safe for concurrent use; the tracker serializes access.
type Viewport struct {
	mode     Mode
	center   domain.Position
	zoom     int
	selected domain.VehicleID
}

func New(center domain.Position, zoom int) *Viewport {
	return &Viewport{
		mode:   ModeNoSelection,
		center: center,
		zoom:   zoom,
	}
}

// Select moves to TRACKING(id). The center follows pos when it is known,
// otherwise it stays where it was until the vehicle reports a position.
func (v *Viewport) Select(id domain.VehicleID, pos *domain.Position) {
	v.mode = ModeTracking
	v.selected = id
	if pos != nil {
		v.center = *pos
	}
}

// Follow recenters on the tracked vehicle. It is a no-op without a selection.
func (v *Viewport) Follow(pos *domain.Position) bool {
	if v.mode != ModeTracking || pos == nil {
		return false
	}
	v.center = *pos
	return true
}

func (v *Viewport) Selected() (domain.VehicleID, bool) {
	return v.selected, v.mode == ModeTracking
}

func (v *Viewport) SetZoom(zoom int) {
	if zoom < 0 {
		zoom = 0
	}
	v.zoom = zoom
}

func (v *Viewport) State() State {
	return State{
		Mode:       v.mode,
		Center:     v.center,
		Zoom:       v.zoom,
		SelectedID: v.selected,
		CenterTile: TileID(v.center.Latitude, v.center.Longitude, v.zoom),
	}
}

// TilesAround returns the center tile and its neighbours
func (v *Viewport) TilesAround() []string {
	return TileAt(v.center.Latitude, v.center.Longitude, v.zoom).Neighbours()
}

// Restore seeds the viewport from a persisted state
func (v *Viewport) Restore(s State) {
	v.center = s.Center
	v.zoom = s.Zoom
	if s.Mode == ModeTracking && s.SelectedID != "" {
		v.mode = ModeTracking
		v.selected = s.SelectedID
	}
}
