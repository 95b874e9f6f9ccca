package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVehicleIDAcceptsStringAndNumber(t *testing.T) {
	var got struct {
		A VehicleID `json:"a"`
		B VehicleID `json:"b"`
		C VehicleID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"v-1","b":42,"c":null}`), &got))
	assert.Equal(t, VehicleID("v-1"), got.A)
	assert.Equal(t, VehicleID("42"), got.B)
	assert.Equal(t, VehicleID(""), got.C)
}

func TestResourceLevel(t *testing.T) {
	ev := TrackedVehicle{IsElectric: true, BatteryLevel: 80, FuelLevel: 10}
	ice := TrackedVehicle{IsElectric: false, BatteryLevel: 80, FuelLevel: 10}
	assert.Equal(t, 80.0, ev.ResourceLevel())
	assert.Equal(t, 10.0, ice.ResourceLevel())
}

func TestVehicleJSONCarriesResourceLevel(t *testing.T) {
	data, err := json.Marshal(TrackedVehicle{ID: "7", IsElectric: true, BatteryLevel: 64, FuelLevel: 3})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resourceLevel":64`)
	assert.Contains(t, string(data), `"id":"7"`)

	var back TrackedVehicle
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 64.0, back.BatteryLevel)
}

func TestCloneCopiesPosition(t *testing.T) {
	v := TrackedVehicle{ID: "1", Position: &Position{Latitude: 1, Longitude: 2}}
	c := v.Clone()
	c.Position.Latitude = 9
	assert.Equal(t, 1.0, v.Position.Latitude)
}

func TestBookingInterpolate(t *testing.T) {
	b := Booking{PickupLatitude: 0, PickupLongitude: 0, DropoffLatitude: 10, DropoffLongitude: 10}
	assert.Equal(t, Position{Latitude: 5, Longitude: 5}, b.Interpolate(0.5))
	assert.Equal(t, Position{Latitude: 0, Longitude: 0}, b.Interpolate(0))
}
