package rides

import (
	"context"
	"time"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
)

// ExpireStale marks lapsed offers expired and cancels pending rides older
// than the ride TTL. It returns how many of each it changed.
func (s *Service) ExpireStale(ctx context.Context) (rides, offers int, err error) {
	now := s.clock()
	offers, err = s.Store.ExpireOffers(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	observability.OffersExpired.Add(float64(offers))

	pending, err := s.Store.ListRidesByStatus(ctx, models.RidePending)
	if err != nil {
		return 0, offers, err
	}
	cutoff := now.Add(-s.rideTTL())
	for i := range pending {
		r := &pending[i]
		if r.CreatedAt.After(cutoff) {
			continue
		}
		updated, err := s.cancel(ctx, r, ExpiredReason)
		if err != nil {
			// Accepted or cancelled since the listing.
			continue
		}
		rides++
		observability.RidesExpired.Inc()
		s.notify(ctx, updated.RiderID, "ride_cancelled", "No driver found",
			"No driver accepted your ride in time. Please try again.", updated.ID)
		s.emit(ctx, "ride.expired", updated, true)
	}
	return rides, offers, nil
}

// Run sweeps every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rides, offers, err := s.ExpireStale(ctx)
			if err != nil {
				s.logger().Error("expiry sweep failed", "error", err)
				continue
			}
			if rides > 0 || offers > 0 {
				s.logger().Info("expiry sweep", "rides_expired", rides, "offers_expired", offers)
			}
		}
	}
}
