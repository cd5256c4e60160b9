package rides

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
	"github.com/example/urbanflow/internal/storage"
)

// AttachPayment records the provider order holding a ride's fare. A ride
// that already finished has its hold settled straight away.
func (s *Service) AttachPayment(ctx context.Context, rideID, provider, orderID string) (*models.RidePayment, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrInvalidInput)
	}
	if _, err := s.Store.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	now := s.clock()
	p := &models.RidePayment{
		RideID:    rideID,
		Provider:  provider,
		OrderID:   orderID,
		Status:    models.PaymentCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.SavePayment(ctx, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: payment already settled", ErrInvalidTransition)
		}
		return nil, err
	}

	// Re-read so a ride finishing concurrently is not missed.
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return p, nil
	}
	switch ride.Status {
	case models.RideCompleted:
		s.settlePayment(ctx, rideID, true)
	case models.RideCancelled:
		s.settlePayment(ctx, rideID, false)
	}
	if cur, err := s.Store.GetPayment(ctx, rideID); err == nil {
		p = cur
	}
	return p, nil
}

// settlePayment captures or releases the ride's held payment, if any. The
// store transition is claimed first so only one caller reaches the provider.
func (s *Service) settlePayment(ctx context.Context, rideID string, capture bool) {
	if s.Holds == nil {
		return
	}
	to, action := models.PaymentReleased, "release"
	if capture {
		to, action = models.PaymentCaptured, "capture"
	}
	p, err := s.Store.SettlePayment(ctx, rideID, to, s.clock())
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) {
		return
	}
	if err != nil {
		s.logger().Error("payment settle failed", "ride_id", rideID, "action", action, "error", err)
		observability.PaymentSettlements.WithLabelValues(action, "error").Inc()
		return
	}
	if capture {
		err = s.Holds.Capture(ctx, p.OrderID)
	} else {
		err = s.Holds.Cancel(ctx, p.OrderID)
	}
	if err != nil {
		s.logger().Error("payment provider settle failed", "ride_id", rideID, "order_id", p.OrderID,
			"action", action, "error", err)
		observability.PaymentSettlements.WithLabelValues(action, "error").Inc()
		return
	}
	observability.PaymentSettlements.WithLabelValues(action, "ok").Inc()
	s.logger().Info("payment settled", "ride_id", rideID, "order_id", p.OrderID, "action", action)
}
