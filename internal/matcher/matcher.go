package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/urbanflow/internal/dispatch"
	"github.com/example/urbanflow/internal/geo"
	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
)

const (
	DefaultRadiusKm = 3.0
	DefaultTopN     = 20
	DefaultOfferTTL = 2 * time.Minute
)

var (
	// ErrLookup means the nearby-driver lookup failed.
	ErrLookup = errors.New("nearby driver lookup failed")
	// ErrInsert means the offers could not be stored.
	ErrInsert = errors.New("offer insert failed")
	// ErrRideNotPending is returned when fanning out a ride that already moved on.
	ErrRideNotPending = errors.New("ride is not pending")
)

// Store is what the matcher needs from persistence.
type Store interface {
	GetRide(ctx context.Context, id string) (*models.RideRequest, error)
	CreateOffers(ctx context.Context, rideID string, driverIDs []string, createdAt, expiresAt time.Time) ([]models.RideOffer, error)
}

// Service finds drivers near a pickup point and offers them the ride.
type Service struct {
	Locator  geo.Locator
	Store    Store
	Dispatch dispatch.Dispatcher // optional
	Logger   *slog.Logger

	RadiusKm float64
	TopN     int
	OfferTTL time.Duration

	now func() time.Time
}

// Result lists the offers created by one fan-out.
type Result struct {
	Created int                `json:"created"`
	Offers  []models.RideOffer `json:"offers"`
}

// FanOut offers ride to every online driver within radiusKm of its pickup.
// Finding no drivers is not an error. Delivery failures are logged and do
// not undo the stored offers.
func (s *Service) FanOut(ctx context.Context, ride *models.RideRequest, radiusKm float64) (Result, error) {
	start := time.Now()
	defer func() { observability.FanOutLatency.Observe(time.Since(start).Seconds()) }()

	if radiusKm <= 0 {
		radiusKm = s.radius()
	}
	drivers, err := s.Locator.Nearby(ctx, ride.PickupLat, ride.PickupLon, radiusKm, s.topN())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	if len(drivers) == 0 {
		return Result{Created: 0, Offers: []models.RideOffer{}}, nil
	}

	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = d.DriverID
	}
	now := s.clock()
	offers, err := s.Store.CreateOffers(ctx, ride.ID, ids, now, now.Add(s.ttl()))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInsert, err)
	}
	observability.OffersCreated.Add(float64(len(offers)))

	if s.Dispatch != nil {
		for _, o := range offers {
			if err := s.Dispatch.Offer(ctx, ride, o); err != nil {
				observability.DispatchErrors.Inc()
				s.logger().Warn("offer dispatch failed", "ride_id", ride.ID, "driver_id", o.DriverID, "error", err)
			}
		}
	}
	return Result{Created: len(offers), Offers: offers}, nil
}

// FanOutAt fans out an existing pending ride from the given pickup point.
func (s *Service) FanOutAt(ctx context.Context, rideID string, pickup models.Coord, radiusKm float64) (Result, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	if ride.Status != models.RidePending {
		return Result{}, ErrRideNotPending
	}
	ride.PickupLat, ride.PickupLon = pickup.Lat, pickup.Lon
	return s.FanOut(ctx, ride, radiusKm)
}

func (s *Service) radius() float64 {
	if s.RadiusKm > 0 {
		return s.RadiusKm
	}
	return DefaultRadiusKm
}

func (s *Service) topN() int {
	if s.TopN > 0 {
		return s.TopN
	}
	return DefaultTopN
}

func (s *Service) ttl() time.Duration {
	if s.OfferTTL > 0 {
		return s.OfferTTL
	}
	return DefaultOfferTTL
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
