package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/urbanflow/internal/eta"
	"github.com/example/urbanflow/internal/geo"
	"github.com/example/urbanflow/internal/ingest"
	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
	"github.com/example/urbanflow/internal/payments"
	"github.com/example/urbanflow/internal/pricing"
	"github.com/example/urbanflow/internal/realtime"
	"github.com/example/urbanflow/internal/storage"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = storage.ErrNotFound
	ErrAlreadyTaken      = errors.New("ride already taken by another driver")
	ErrOfferExpired      = errors.New("offer is no longer available")
	ErrForbidden         = errors.New("not a participant of this ride")
	ErrInvalidOTP        = errors.New("invalid otp")
	ErrInvalidTransition = errors.New("invalid ride status transition")
	ErrAlreadyRated      = errors.New("ride already rated")
)

const (
	DefaultRideTTL         = 10 * time.Minute
	DefaultPendingRadiusKm = 5.0
	ExpiredReason          = "expired"
)

// FanOuter offers a new ride to nearby drivers.
type FanOuter interface {
	FanOut(ctx context.Context, ride *models.RideRequest, radiusKm float64) (matcher.Result, error)
}

// Service owns the ride lifecycle. Store is required; everything else is
// optional and skipped when nil.
type Service struct {
	Store   storage.Store
	Matcher FanOuter
	Tracker geo.Tracker
	Hub     *realtime.Hub
	Events  ingest.Publisher
	ETA     *eta.Estimator
	Logger  *slog.Logger
	// Holds settles payment holds when rides complete or are cancelled.
	Holds payments.Holder

	Tariff pricing.Tariff
	// FeeRate is the platform share of each fare. Nil means
	// pricing.DefaultPlatformFeeRate; zero waives the fee.
	FeeRate *float64
	RideTTL time.Duration

	now func() time.Time
}

// Quote is the price and time estimate for a trip.
type Quote struct {
	DistanceKm float64 `json:"distance_km"`
	FareRupees float64 `json:"fare_rupees"`
	ETAMinutes *int    `json:"eta_minutes"`
}

// NearbyRide is a pending ride with its pickup distance from a driver.
type NearbyRide struct {
	models.RideRequest
	PickupDistanceKm float64 `json:"pickup_distance_km"`
}

func (s *Service) Quote(ctx context.Context, pickup, drop models.Coord) (Quote, error) {
	if err := validatePair(pickup, drop); err != nil {
		return Quote{}, err
	}
	dist := geo.HaversineKm(pickup, drop)
	q := Quote{DistanceKm: dist, FareRupees: pricing.CalculateFare(dist, s.tariff())}
	if m, ok := s.estimator().Minutes(ctx, pickup, drop); ok {
		q.ETAMinutes = &m
	}
	return q, nil
}

// Create stores a pending ride request and fans it out to nearby drivers.
// A failed fan-out is logged; the ride stays pending and visible in the
// pending feed.
func (s *Service) Create(ctx context.Context, riderID string, pickup, drop models.Coord) (*models.RideRequest, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: rider id is required", ErrInvalidInput)
	}
	if err := validatePair(pickup, drop); err != nil {
		return nil, err
	}
	dist := geo.HaversineKm(pickup, drop)
	now := s.clock()
	ride := &models.RideRequest{
		ID:         uuid.NewString(),
		RiderID:    riderID,
		PickupLat:  pickup.Lat,
		PickupLon:  pickup.Lon,
		DropLat:    drop.Lat,
		DropLon:    drop.Lon,
		DistanceKm: dist,
		FareRupees: pricing.CalculateFare(dist, s.tariff()),
		Status:     models.RidePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreated.Inc()
	s.emit(ctx, "ride.created", ride, true)

	if s.Matcher != nil {
		res, err := s.Matcher.FanOut(ctx, ride, 0)
		if err != nil {
			s.logger().Warn("offer fan-out failed", "ride_id", ride.ID, "error", err)
		} else {
			s.logger().Info("ride offered", "ride_id", ride.ID, "offers", res.Created)
		}
	}
	return ride, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	return s.Store.GetRide(ctx, id)
}

// NearbyPending lists pending rides whose pickup is within radiusKm of the
// driver, nearest first.
func (s *Service) NearbyPending(ctx context.Context, at models.Coord, radiusKm float64) ([]NearbyRide, error) {
	if err := at.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if radiusKm <= 0 {
		radiusKm = DefaultPendingRadiusKm
	}
	pending, err := s.Store.ListRidesByStatus(ctx, models.RidePending)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyRide, 0, len(pending))
	for _, r := range pending {
		d := geo.HaversineKm(at, r.Pickup())
		if d > radiusKm {
			continue
		}
		out = append(out, NearbyRide{RideRequest: r.WithoutOTP(), PickupDistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PickupDistanceKm < out[j].PickupDistanceKm })
	return out, nil
}

// History lists the user's completed rides, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]models.RideRequest, error) {
	rides, err := s.Store.ListRideHistory(ctx, userID, storage.DefaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	for i := range rides {
		rides[i].OTP = nil
	}
	return rides, nil
}

// LiveOffers lists the driver's offers that can still be accepted.
func (s *Service) LiveOffers(ctx context.Context, driverID string) ([]models.RideOffer, error) {
	return s.Store.ListLiveOffers(ctx, driverID, s.clock())
}

func validatePair(pickup, drop models.Coord) error {
	if err := pickup.Validate(); err != nil {
		return fmt.Errorf("%w: pickup: %v", ErrInvalidInput, err)
	}
	if err := drop.Validate(); err != nil {
		return fmt.Errorf("%w: drop: %v", ErrInvalidInput, err)
	}
	return nil
}

// emit publishes a ride change to the ride topic, the pending feed when the
// ride enters or leaves pending, and the event stream.
func (s *Service) emit(ctx context.Context, typ string, ride *models.RideRequest, pendingFeed bool) {
	view := ride.WithoutOTP()
	if s.Hub != nil {
		s.Hub.Publish(realtime.RideTopic(ride.ID), typ, view)
		if pendingFeed {
			s.Hub.Publish(realtime.PendingRidesTopic, typ, view)
		}
	}
	if s.Events == nil {
		return
	}
	evt := models.RideEvent{
		ID:      uuid.NewString(),
		Type:    typ,
		RideID:  ride.ID,
		RiderID: ride.RiderID,
		Status:  ride.Status,
		At:      ride.UpdatedAt,
	}
	if ride.DriverID != nil {
		evt.DriverID = *ride.DriverID
	}
	if err := s.Events.PublishRideEvent(ctx, evt); err != nil {
		s.logger().Warn("ride event publish failed", "ride_id", ride.ID, "type", typ, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, userID, typ, title, message, rideID string) {
	n := &models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		RideID:    rideID,
		CreatedAt: s.clock(),
	}
	if err := s.Store.CreateNotification(ctx, n); err != nil {
		s.logger().Warn("notification insert failed", "user_id", userID, "type", typ, "error", err)
		return
	}
	if s.Hub != nil {
		s.Hub.Publish(realtime.NotificationsTopic(userID), "notification.created", n)
	}
}

func (s *Service) tariff() pricing.Tariff {
	if s.Tariff.PerKm == 0 && s.Tariff.BaseFare == 0 {
		return pricing.DefaultTariff
	}
	return s.Tariff
}

func (s *Service) feeRate() float64 {
	if s.FeeRate != nil {
		return *s.FeeRate
	}
	return pricing.DefaultPlatformFeeRate
}

func (s *Service) rideTTL() time.Duration {
	if s.RideTTL > 0 {
		return s.RideTTL
	}
	return DefaultRideTTL
}

func (s *Service) estimator() *eta.Estimator {
	if s.ETA != nil {
		return s.ETA
	}
	return &eta.Estimator{AvgSpeedKmph: eta.DefaultSpeedKmph}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
