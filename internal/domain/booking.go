package domain

// BookingStatus is the lifecycle state of a booking
type BookingStatus string

const (
	BookingPending    BookingStatus = "PENDING"
	BookingConfirmed  BookingStatus = "CONFIRMED"
	BookingInProgress BookingStatus = "IN_PROGRESS"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingCancelled  BookingStatus = "CANCELLED"
)

// Driver is the subset of driver data attached to a booking
type Driver struct {
	FullName string `json:"fullName" yaml:"fullName"`
}

// Booking is a single trip from a pickup to a dropoff location.
type Booking struct {
	ID               string         `json:"id" yaml:"id" validate:"required"`
	Status           BookingStatus  `json:"status" yaml:"status" validate:"required"`
	PickupLatitude   float64        `json:"pickupLatitude" yaml:"pickupLatitude" validate:"gte=-90,lte=90"`
	PickupLongitude  float64        `json:"pickupLongitude" yaml:"pickupLongitude" validate:"gte=-180,lte=180"`
	PickupLocation   string         `json:"pickupLocation" yaml:"pickupLocation"`
	DropoffLatitude  float64        `json:"dropoffLatitude" yaml:"dropoffLatitude" validate:"gte=-90,lte=90"`
	DropoffLongitude float64        `json:"dropoffLongitude" yaml:"dropoffLongitude" validate:"gte=-180,lte=180"`
	DropoffLocation  string         `json:"dropoffLocation" yaml:"dropoffLocation"`
	Vehicle          TrackedVehicle `json:"vehicle" yaml:"vehicle"`
	Driver           *Driver        `json:"driver,omitempty" yaml:"driver"`
}

func (b *Booking) Pickup() Position {
	return Position{Latitude: b.PickupLatitude, Longitude: b.PickupLongitude}
}

func (b *Booking) Dropoff() Position {
	return Position{Latitude: b.DropoffLatitude, Longitude: b.DropoffLongitude}
}

// Interpolate returns the point at the given fraction of the straight line
// from pickup to dropoff.
func (b *Booking) Interpolate(progress float64) Position {
	p, d := b.Pickup(), b.Dropoff()
	return Position{
		Latitude:  p.Latitude + progress*(d.Latitude-p.Latitude),
		Longitude: p.Longitude + progress*(d.Longitude-p.Longitude),
	}
}
