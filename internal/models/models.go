package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a finite point with latitude in [-90,90] and
// longitude in [-180,180].
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleClass string

const (
	VehicleCar    VehicleClass = "car"
	VehicleBike   VehicleClass = "bike"
	VehicleAuto   VehicleClass = "auto"
	VehicleSUV    VehicleClass = "suv"
	VehicleLuxury VehicleClass = "luxury"
)

type Money struct {
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideOngoing   RideStatus = "ongoing"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

type Ride struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	DriverID     string       `json:"driver_id,omitempty"`
	Pickup       Coord        `json:"pickup"`
	Destination  Coord        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Status       RideStatus   `json:"status"`
	FareEstimate Money        `json:"fare_estimate"`
	OTP          string       `json:"otp,omitempty"`

	// CancelledDriverID keeps the driver that held the ride when it was
	// cancelled from accepted; DriverID itself is cleared.
	CancelledDriverID string `json:"cancelled_driver_id,omitempty"`
	CancelledBy       Role   `json:"cancelled_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Version int64 `json:"version"`
}

// Redacted returns a copy without the start-of-ride code, for audiences
// other than the rider and the assigned driver.
func (r Ride) Redacted() Ride {
	r.OTP = ""
	return r
}

type Availability string

const (
	DriverAvailable Availability = "available"
	DriverBusy      Availability = "busy"
	DriverOffline   Availability = "offline"
)

type DriverRecord struct {
	ID            string       `json:"id"`
	Loc           Coord        `json:"loc"`
	Status        Availability `json:"status"`
	VehicleClass  VehicleClass `json:"vehicle_class"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Version       int64        `json:"version"`
}

// Heartbeat is the wire shape of a driver location ping, as produced by the
// HTTP surface and consumed from the driver-locations topic.
type Heartbeat struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	SentAt   time.Time `json:"sent_at"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleSystem Role = "system"
)

// Principal is an authenticated caller.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

var SystemPrincipal = Principal{ID: "system", Role: RoleSystem}

type EventKind string

const (
	EventRequested EventKind = "requested"
	EventAccepted  EventKind = "accepted"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventCancelled EventKind = "cancelled"
)

type Event struct {
	ID         string     `json:"id"`
	Kind       EventKind  `json:"kind"`
	RideID     string     `json:"ride_id"`
	RiderID    string     `json:"rider_id"`
	DriverID   string     `json:"driver_id,omitempty"`
	Status     RideStatus `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
	Ride       Ride       `json:"ride"`
}
