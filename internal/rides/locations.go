package rides

import (
	"context"
	"fmt"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
	"github.com/example/urbanflow/internal/realtime"
)

// UpdateLocation records a driver's position in the store and the live
// index, then streams it to subscribers and Kafka.
func (s *Service) UpdateLocation(ctx context.Context, loc models.DriverLocation) (models.DriverLocation, error) {
	if loc.DriverID == "" {
		return loc, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	if err := loc.Coord().Validate(); err != nil {
		return loc, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	loc.UpdatedAt = s.clock()
	if err := s.Store.UpsertDriverLocation(ctx, loc); err != nil {
		return loc, err
	}
	if s.Tracker != nil {
		if err := s.Tracker.Upsert(ctx, loc); err != nil {
			return loc, err
		}
	}
	observability.LocationUpdates.Inc()
	if s.Hub != nil {
		s.Hub.Publish(realtime.DriverLocationsTopic, "driver.location", loc)
		s.Hub.Publish(realtime.DriverLocationTopic(loc.DriverID), "driver.location", loc)
	}
	if s.Events != nil {
		if err := s.Events.PublishLocation(ctx, loc); err != nil {
			s.logger().Warn("location publish failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	return loc, nil
}
