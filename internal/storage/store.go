package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/urbanflow/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set lost or a unique row already exists.
	ErrConflict = errors.New("conflict")
)

// RideUpdate describes a status transition applied by TransitionRide.
type RideUpdate struct {
	To models.RideStatus
	At time.Time

	// ExpectDriverID, when set, must match the ride's current driver.
	ExpectDriverID string
	// DriverID and OTP are written when non-nil.
	DriverID *string
	OTP      *string
	ClearOTP bool

	CancelReason string
}

// RideStore persists ride requests.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.RideRequest) error
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	// TransitionRide applies u only if the ride is currently in status from.
	TransitionRide(ctx context.Context, id string, from models.RideStatus, u RideUpdate) (*models.RideRequest, error)
	ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]models.RideRequest, error)
	ListRideHistory(ctx context.Context, userID string, limit int) ([]models.RideRequest, error)
}

// OfferStore persists the per-driver fan-out of a ride request.
type OfferStore interface {
	// CreateOffers inserts one offer per driver, skipping pairs that already
	// exist, and returns only the rows it inserted.
	CreateOffers(ctx context.Context, rideID string, driverIDs []string, createdAt, expiresAt time.Time) ([]models.RideOffer, error)
	FindOffer(ctx context.Context, rideID, driverID string) (*models.RideOffer, error)
	ListLiveOffers(ctx context.Context, driverID string, now time.Time) ([]models.RideOffer, error)
	// ResolveOffers marks the winner accepted and withdraws every other pending
	// offer for the ride. An empty winner withdraws them all.
	ResolveOffers(ctx context.Context, rideID, acceptedDriverID string, at time.Time) error
	DeclineOffer(ctx context.Context, rideID, driverID string, at time.Time) error
	ExpireOffers(ctx context.Context, now time.Time) (int, error)
}

// LocationStore keeps the last known position of each driver.
type LocationStore interface {
	UpsertDriverLocation(ctx context.Context, loc models.DriverLocation) error
	GetDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
}

// PaymentStore tracks the provider order holding each ride's fare.
type PaymentStore interface {
	// SavePayment records the order for a ride, replacing an earlier order
	// that is still unsettled. It returns ErrConflict once settled.
	SavePayment(ctx context.Context, p *models.RidePayment) error
	GetPayment(ctx context.Context, rideID string) (*models.RidePayment, error)
	// SettlePayment moves a created payment to status to. It returns
	// ErrConflict when the payment was already settled.
	SettlePayment(ctx context.Context, rideID string, to models.PaymentStatus, at time.Time) (*models.RidePayment, error)
}

// RatingStore keeps one rider rating per ride.
type RatingStore interface {
	// CreateRating returns ErrConflict when the ride is already rated.
	CreateRating(ctx context.Context, r *models.Rating) error
	// ListDriverRatings returns a driver's ratings, newest first.
	ListDriverRatings(ctx context.Context, driverID string, limit int) ([]models.Rating, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (*models.Notification, error)
}

type Store interface {
	RideStore
	OfferStore
	LocationStore
	TransactionStore
	PaymentStore
	RatingStore
	NotificationStore
}

// DefaultHistoryLimit caps ride history listings.
const DefaultHistoryLimit = 20

// DefaultRatingsLimit caps driver rating listings.
const DefaultRatingsLimit = 50

func applyUpdate(r *models.RideRequest, u RideUpdate) {
	r.Status = u.To
	r.UpdatedAt = u.At
	if u.DriverID != nil {
		id := *u.DriverID
		r.DriverID = &id
	}
	if u.OTP != nil {
		code := *u.OTP
		r.OTP = &code
	}
	if u.ClearOTP {
		r.OTP = nil
	}
	if u.CancelReason != "" {
		r.CancelReason = u.CancelReason
	}
	at := u.At
	switch u.To {
	case models.RideAccepted:
		r.AcceptedAt = &at
	case models.RideOngoing:
		r.StartedAt = &at
	case models.RideCompleted:
		r.CompletedAt = &at
	case models.RideCancelled:
		r.CancelledAt = &at
	}
}
