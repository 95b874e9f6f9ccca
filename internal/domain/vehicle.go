package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// VehicleID identifies a vehicle. Upstream feeds send it either as a JSON
// string or as a number, both decode to the same textual form.
type VehicleID string

func (id *VehicleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = VehicleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("vehicle id: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = VehicleID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = VehicleID(n.String())
	return nil
}

// VehicleStatus is the operational state reported by the fleet API
type VehicleStatus string

const (
	StatusAvailable    VehicleStatus = "AVAILABLE"
	StatusInUse        VehicleStatus = "IN_USE"
	StatusMaintenance  VehicleStatus = "MAINTENANCE"
	StatusOutOfService VehicleStatus = "OUT_OF_SERVICE"
)

func (s VehicleStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusMaintenance, StatusOutOfService:
		return true
	default:
		return false
	}
}

// Position is a WGS84 coordinate
type Position struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

func (p Position) Equal(o Position) bool {
	return p.Latitude == o.Latitude && p.Longitude == o.Longitude
}

// TrackedVehicle is the latest known telemetry for a single vehicle
type TrackedVehicle struct {
	ID            VehicleID     `json:"id" yaml:"id"`
	VehicleNumber string        `json:"vehicleNumber,omitempty" yaml:"vehicleNumber"`
	Model         string        `json:"model,omitempty" yaml:"model"`
	Type          string        `json:"type,omitempty" yaml:"type"`
	Capacity      int           `json:"capacity,omitempty" yaml:"capacity"`
	Position      *Position     `json:"position,omitempty" yaml:"position"`
	Speed         float64       `json:"speed" yaml:"speed"`
	Status        VehicleStatus `json:"status" yaml:"status"`
	IsElectric    bool          `json:"isElectric" yaml:"isElectric"`
	BatteryLevel  float64       `json:"batteryLevel" yaml:"batteryLevel"`
	FuelLevel     float64       `json:"fuelLevel" yaml:"fuelLevel"`
	Mileage       float64       `json:"mileage,omitempty" yaml:"mileage"`
	HealthScore   float64       `json:"healthScore,omitempty" yaml:"healthScore"`
	LastUpdate    time.Time     `json:"lastUpdate" yaml:"lastUpdate"`
}

// HasPosition reports whether the vehicle has ever reported a location
func (v *TrackedVehicle) HasPosition() bool {
	return v.Position != nil
}

// ResourceLevel returns the battery level for electric vehicles and the fuel
// level otherwise.
func (v *TrackedVehicle) ResourceLevel() float64 {
	if v.IsElectric {
		return v.BatteryLevel
	}
	return v.FuelLevel
}

// MarshalJSON adds the derived resourceLevel to the encoded vehicle
func (v TrackedVehicle) MarshalJSON() ([]byte, error) {
	type plain TrackedVehicle
	return json.Marshal(struct {
		plain
		ResourceLevel float64 `json:"resourceLevel"`
	}{plain(v), v.ResourceLevel()})
}

// Clone returns a deep copy
func (v TrackedVehicle) Clone() TrackedVehicle {
	if v.Position != nil {
		p := *v.Position
		v.Position = &p
	}
	return v
}

// BoundingBox represents a geographic rectangle
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

// Contains checks if a point is within the bounding box
func (bb *BoundingBox) Contains(lat, lon float64) bool {
	return lat >= bb.MinLat && lat <= bb.MaxLat &&
		lon >= bb.MinLon && lon <= bb.MaxLon
}
