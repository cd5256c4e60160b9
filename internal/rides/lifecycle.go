package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
	"github.com/example/urbanflow/internal/otp"
	"github.com/example/urbanflow/internal/pricing"
	"github.com/example/urbanflow/internal/storage"
)

// Acceptance is what the winning driver gets back. The ride never carries
// the OTP.
type Acceptance struct {
	Ride             *models.RideRequest `json:"ride"`
	PickupETAMinutes *int                `json:"pickup_eta_minutes,omitempty"`
}

// Accept assigns the ride to driverID. Exactly one concurrent caller wins;
// the others get ErrAlreadyTaken. A driver whose offer expired, was declined
// or was withdrawn gets ErrOfferExpired. Drivers without an offer may accept
// a pending ride they found in the pending feed.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*Acceptance, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch ride.Status {
	case models.RidePending:
	case models.RideCancelled:
		return nil, ErrInvalidTransition
	default:
		if ride.AssignedTo(driverID) {
			view := ride.WithoutOTP()
			return &Acceptance{Ride: &view}, nil
		}
		return nil, ErrAlreadyTaken
	}

	now := s.clock()
	offer, err := s.Store.FindOffer(ctx, rideID, driverID)
	switch {
	case err == nil:
		if !offer.Live(now) {
			return nil, ErrOfferExpired
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	code, err := otp.Generate(otp.DefaultLength)
	if err != nil {
		return nil, err
	}
	ride, err = s.Store.TransitionRide(ctx, rideID, models.RidePending, storage.RideUpdate{
		To:       models.RideAccepted,
		At:       now,
		DriverID: &driverID,
		OTP:      &code,
	})
	if errors.Is(err, storage.ErrConflict) {
		observability.AcceptConflicts.Inc()
		return nil, ErrAlreadyTaken
	}
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideAccepted)).Inc()

	if err := s.Store.ResolveOffers(ctx, rideID, driverID, now); err != nil {
		s.logger().Warn("resolve offers failed", "ride_id", rideID, "error", err)
	}

	view := ride.WithoutOTP()
	res := &Acceptance{Ride: &view}
	msg := fmt.Sprintf("A driver accepted your ride. Share OTP %s at pickup.", code)
	if loc, err := s.Store.GetDriverLocation(ctx, driverID); err == nil {
		if m, ok := s.estimator().Minutes(ctx, loc.Coord(), ride.Pickup()); ok {
			res.PickupETAMinutes = &m
			msg = fmt.Sprintf("A driver accepted your ride and is %d min away. Share OTP %s at pickup.", m, code)
		}
	}
	s.notify(ctx, ride.RiderID, "ride_accepted", "Ride accepted", msg, ride.ID)
	s.emit(ctx, "ride.accepted", ride, true)
	return res, nil
}

// Decline records that driverID passed on its offer for the ride.
func (s *Service) Decline(ctx context.Context, rideID, driverID string) error {
	err := s.Store.DeclineOffer(ctx, rideID, driverID, s.clock())
	if errors.Is(err, storage.ErrConflict) {
		return ErrOfferExpired
	}
	return err
}

// Start begins the trip once the rider's OTP checks out. The OTP is
// cleared so it cannot be replayed.
func (s *Service) Start(ctx context.Context, rideID, driverID, code string) (*models.RideRequest, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.AssignedTo(driverID) {
		return nil, ErrForbidden
	}
	if ride.Status != models.RideAccepted {
		return nil, ErrInvalidTransition
	}
	if ride.OTP == nil || !otp.Verify(*ride.OTP, code) {
		return nil, ErrInvalidOTP
	}
	ride, err = s.Store.TransitionRide(ctx, rideID, models.RideAccepted, storage.RideUpdate{
		To:             models.RideOngoing,
		At:             s.clock(),
		ExpectDriverID: driverID,
		ClearOTP:       true,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideOngoing)).Inc()
	s.notify(ctx, ride.RiderID, "ride_started", "Trip started", "Your trip has started.", ride.ID)
	s.emit(ctx, "ride.started", ride, false)
	return ride, nil
}

// Completion is the finished ride and its recorded payment.
type Completion struct {
	Ride        *models.RideRequest `json:"ride"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

// Complete ends the trip and records the fare split between platform and
// driver. Payment method defaults to cash.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, method models.PaymentMethod) (*Completion, error) {
	if method == "" {
		method = models.PaymentCash
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, method)
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.AssignedTo(driverID) {
		return nil, ErrForbidden
	}
	if ride.Status != models.RideOngoing {
		return nil, ErrInvalidTransition
	}
	now := s.clock()
	ride, err = s.Store.TransitionRide(ctx, rideID, models.RideOngoing, storage.RideUpdate{
		To:             models.RideCompleted,
		At:             now,
		ExpectDriverID: driverID,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideCompleted)).Inc()

	fee, earnings := pricing.SplitFare(ride.FareRupees, s.feeRate())
	tx := &models.Transaction{
		ID:             uuid.NewString(),
		RideID:         ride.ID,
		RiderID:        ride.RiderID,
		DriverID:       driverID,
		Amount:         ride.FareRupees,
		PaymentMethod:  method,
		PlatformFee:    fee,
		DriverEarnings: earnings,
		CreatedAt:      now,
	}
	res := &Completion{Ride: ride}
	if err := s.Store.CreateTransaction(ctx, tx); err != nil {
		s.logger().Error("transaction insert failed", "ride_id", ride.ID, "error", err)
	} else {
		res.Transaction = tx
	}
	s.settlePayment(ctx, ride.ID, method != models.PaymentCash)

	s.notify(ctx, ride.RiderID, "ride_completed", "Ride completed",
		fmt.Sprintf("You paid ₹%.2f by %s.", ride.FareRupees, method), ride.ID)
	s.notify(ctx, driverID, "payment", "Trip earnings",
		fmt.Sprintf("You earned ₹%.2f for this trip.", earnings), ride.ID)
	s.emit(ctx, "ride.completed", ride, false)
	return res, nil
}

// Cancel cancels a pending or accepted ride on behalf of its rider or its
// assigned driver and withdraws any open offers.
func (s *Service) Cancel(ctx context.Context, rideID, actorID, reason string) (*models.RideRequest, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	byRider := ride.RiderID == actorID
	if !byRider && !ride.AssignedTo(actorID) {
		return nil, ErrForbidden
	}
	if !models.CanTransition(ride.Status, models.RideCancelled) {
		return nil, ErrInvalidTransition
	}
	if reason == "" {
		reason = "cancelled by driver"
		if byRider {
			reason = "cancelled by rider"
		}
	}
	from := ride.Status
	ride, err = s.cancel(ctx, ride, reason)
	if err != nil {
		return nil, err
	}
	switch {
	case !byRider:
		s.notify(ctx, ride.RiderID, "ride_cancelled", "Ride cancelled", "Your driver cancelled the ride.", ride.ID)
	case ride.DriverID != nil:
		s.notify(ctx, *ride.DriverID, "ride_cancelled", "Ride cancelled", "The rider cancelled the ride.", ride.ID)
	}
	s.emit(ctx, "ride.cancelled", ride, from == models.RidePending)
	return ride, nil
}

func (s *Service) cancel(ctx context.Context, ride *models.RideRequest, reason string) (*models.RideRequest, error) {
	now := s.clock()
	updated, err := s.Store.TransitionRide(ctx, ride.ID, ride.Status, storage.RideUpdate{
		To:           models.RideCancelled,
		At:           now,
		CancelReason: reason,
		ClearOTP:     true,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideCancelled)).Inc()
	if err := s.Store.ResolveOffers(ctx, ride.ID, "", now); err != nil {
		s.logger().Warn("withdraw offers failed", "ride_id", ride.ID, "error", err)
	}
	s.settlePayment(ctx, ride.ID, false)
	return updated, nil
}
