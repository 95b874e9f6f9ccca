package fleetapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"fleettrack/internal/domain"
)

// VehicleRecord is the vehicle shape shared by the REST API and the push
// feed. Coordinates, speed and levels may be null.
type VehicleRecord struct {
	ID            domain.VehicleID `json:"id"`
	VehicleNumber string           `json:"vehicleNumber"`
	Model         string           `json:"model"`
	Type          string           `json:"type"`
	Capacity      int              `json:"capacity"`
	IsElectric    bool             `json:"isElectric"`
	BatteryLevel  *float64         `json:"batteryLevel"`
	FuelLevel     *float64         `json:"fuelLevel"`
	Status        string           `json:"status"`
	Latitude      *float64         `json:"latitude"`
	Longitude     *float64         `json:"longitude"`
	Speed         *float64         `json:"speed"`
	Mileage       float64          `json:"mileage"`
	HealthScore   float64          `json:"healthScore"`
	LastUpdate    string           `json:"lastUpdate"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (r VehicleRecord) ToTracked() domain.TrackedVehicle {
	v := domain.TrackedVehicle{
		ID:            r.ID,
		VehicleNumber: r.VehicleNumber,
		Model:         r.Model,
		Type:          r.Type,
		Capacity:      r.Capacity,
		IsElectric:    r.IsElectric,
		Status:        domain.VehicleStatus(strings.ToUpper(r.Status)),
		Mileage:       r.Mileage,
		HealthScore:   r.HealthScore,
	}
	if r.Latitude != nil && r.Longitude != nil {
		v.Position = &domain.Position{Latitude: *r.Latitude, Longitude: *r.Longitude}
	}
	if r.Speed != nil && *r.Speed > 0 {
		v.Speed = *r.Speed
	}
	if r.BatteryLevel != nil {
		v.BatteryLevel = *r.BatteryLevel
	}
	if r.FuelLevel != nil {
		v.FuelLevel = *r.FuelLevel
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, r.LastUpdate); err == nil {
			v.LastUpdate = ts
			break
		}
	}
	return v
}

type driverRecord struct {
	FullName string `json:"fullName"`
}

// BookingRecord is the booking shape returned by the REST API
type BookingRecord struct {
	ID               domain.VehicleID `json:"id"`
	Status           string           `json:"status"`
	PickupLatitude   float64          `json:"pickupLatitude"`
	PickupLongitude  float64          `json:"pickupLongitude"`
	PickupLocation   string           `json:"pickupLocation"`
	DropoffLatitude  float64          `json:"dropoffLatitude"`
	DropoffLongitude float64          `json:"dropoffLongitude"`
	DropoffLocation  string           `json:"dropoffLocation"`
	Vehicle          *VehicleRecord   `json:"vehicle"`
	Driver           *driverRecord    `json:"driver"`
}

func (r BookingRecord) ToBooking() domain.Booking {
	b := domain.Booking{
		ID:               string(r.ID),
		Status:           domain.BookingStatus(strings.ToUpper(r.Status)),
		PickupLatitude:   r.PickupLatitude,
		PickupLongitude:  r.PickupLongitude,
		PickupLocation:   r.PickupLocation,
		DropoffLatitude:  r.DropoffLatitude,
		DropoffLongitude: r.DropoffLongitude,
		DropoffLocation:  r.DropoffLocation,
	}
	if r.Vehicle != nil {
		b.Vehicle = r.Vehicle.ToTracked()
	}
	if r.Driver != nil {
		b.Driver = &domain.Driver{FullName: r.Driver.FullName}
	}
	return b
}

var errNotVehicleList = errors.New("payload is not a vehicle list")

// DecodeVehicles parses a vehicle list. It accepts a bare JSON array or an
// object wrapping the array in "vehicles" or "content".
func DecodeVehicles(data []byte) ([]domain.TrackedVehicle, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errNotVehicleList
	}

	var records []VehicleRecord
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
	case '{':
		var wrapper struct {
			Vehicles []VehicleRecord `json:"vehicles"`
			Content  []VehicleRecord `json:"content"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, err
		}
		if wrapper.Vehicles == nil && wrapper.Content == nil {
			return nil, errNotVehicleList
		}
		records = wrapper.Vehicles
		if records == nil {
			records = wrapper.Content
		}
	default:
		return nil, errNotVehicleList
	}

	vehicles := make([]domain.TrackedVehicle, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		vehicles = append(vehicles, r.ToTracked())
	}
	return vehicles, nil
}
