package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

var ErrInvalidCoord = errors.New("invalid coordinate")

// Validate reports whether the coordinate is a real point on the globe.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return fmt.Errorf("%w: not a number", ErrInvalidCoord)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: lat %v out of range", ErrInvalidCoord, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lon %v out of range", ErrInvalidCoord, c.Lon)
	}
	return nil
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideAccepted  RideStatus = "accepted"
	RideOngoing   RideStatus = "ongoing"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

var transitions = map[RideStatus][]RideStatus{
	RidePending:  {RideAccepted, RideCancelled},
	RideAccepted: {RideOngoing, RideCancelled},
	RideOngoing:  {RideCompleted},
}

// CanTransition reports whether a ride may move from one status to another.
func CanTransition(from, to RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RideStatus) Terminal() bool { return s == RideCompleted || s == RideCancelled }

type RideRequest struct {
	ID           string     `json:"id"`
	RiderID      string     `json:"rider_id"`
	PickupLat    float64    `json:"pickup_lat"`
	PickupLon    float64    `json:"pickup_lon"`
	DropLat      float64    `json:"drop_lat"`
	DropLon      float64    `json:"drop_lon"`
	DistanceKm   float64    `json:"distance_km"`
	FareRupees   float64    `json:"fare_rupees"`
	Status       RideStatus `json:"status"`
	DriverID     *string    `json:"driver_id"`
	OTP          *string    `json:"otp,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
}

func (r *RideRequest) Pickup() Coord { return Coord{Lat: r.PickupLat, Lon: r.PickupLon} }
func (r *RideRequest) Drop() Coord   { return Coord{Lat: r.DropLat, Lon: r.DropLon} }

// AssignedTo reports whether driverID is the ride's driver.
func (r *RideRequest) AssignedTo(driverID string) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// WithoutOTP returns a copy safe to show to anyone but the rider.
func (r RideRequest) WithoutOTP() RideRequest {
	r.OTP = nil
	return r
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferWithdrawn OfferStatus = "withdrawn"
)

type RideOffer struct {
	ID          string      `json:"id"`
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	Status      OfferStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// Live reports whether the offer can still be acted on at now.
func (o *RideOffer) Live(now time.Time) bool {
	return o.Status == OfferPending && now.Before(o.ExpiresAt)
}

type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *DriverLocation) Coord() Coord { return Coord{Lat: d.Lat, Lon: d.Lon} }

// NearbyDriver is one row of a nearby-drivers lookup.
type NearbyDriver struct {
	DriverID   string  `json:"driver_id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	DistanceKm float64 `json:"distance_km"`
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentWallet:
		return true
	}
	return false
}

type Transaction struct {
	ID             string        `json:"id"`
	RideID         string        `json:"ride_id"`
	RiderID        string        `json:"rider_id"`
	DriverID       string        `json:"driver_id"`
	Amount         float64       `json:"amount"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	PlatformFee    float64       `json:"platform_fee"`
	DriverEarnings float64       `json:"driver_earnings"`
	CreatedAt      time.Time     `json:"created_at"`
}

type PaymentStatus string

const (
	PaymentCreated  PaymentStatus = "created"
	PaymentCaptured PaymentStatus = "captured"
	PaymentReleased PaymentStatus = "released"
)

// RidePayment links a ride to the provider order holding its fare.
type RidePayment struct {
	RideID    string        `json:"ride_id"`
	Provider  string        `json:"provider"`
	OrderID   string        `json:"order_id"`
	Status    PaymentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

const (
	MinRating = 1
	MaxRating = 5
)

// Rating is a rider's score for the driver of a completed ride.
type Rating struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	RiderID   string    `json:"rider_id"`
	DriverID  string    `json:"driver_id"`
	Score     int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	RideID    string     `json:"ride_id,omitempty"`
	IsRead    bool       `json:"is_read"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// RideEvent is the lifecycle record streamed to Kafka and the realtime hub.
type RideEvent struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"` // ride.created, ride.accepted, ...
	RideID   string     `json:"ride_id"`
	RiderID  string     `json:"rider_id"`
	DriverID string     `json:"driver_id,omitempty"`
	Status   RideStatus `json:"status"`
	At       time.Time  `json:"at"`
}
