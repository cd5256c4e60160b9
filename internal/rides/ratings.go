package rides

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
	"github.com/example/urbanflow/internal/storage"
)

const maxCommentLen = 500

// Rate records the rider's score for the driver of a completed ride. Each
// ride can be rated once.
func (s *Service) Rate(ctx context.Context, rideID, riderID string, score int, comment string) (*models.Rating, error) {
	if score < models.MinRating || score > models.MaxRating {
		return nil, fmt.Errorf("%w: rating must be between %d and %d", ErrInvalidInput, models.MinRating, models.MaxRating)
	}
	comment = strings.TrimSpace(comment)
	if len(comment) > maxCommentLen {
		return nil, fmt.Errorf("%w: comment longer than %d bytes", ErrInvalidInput, maxCommentLen)
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, ErrForbidden
	}
	if ride.Status != models.RideCompleted || ride.DriverID == nil {
		return nil, fmt.Errorf("%w: only completed rides can be rated", ErrInvalidTransition)
	}
	rating := &models.Rating{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		RiderID:   riderID,
		DriverID:  *ride.DriverID,
		Score:     score,
		Comment:   comment,
		CreatedAt: s.clock(),
	}
	if err := s.Store.CreateRating(ctx, rating); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrAlreadyRated
		}
		return nil, err
	}
	observability.RatingsSubmitted.Inc()
	s.notify(ctx, rating.DriverID, "rating", "New rating",
		fmt.Sprintf("A rider rated your trip %d/%d.", score, models.MaxRating), ride.ID)
	return rating, nil
}

// DriverRatings is a driver's most recent ratings and their mean.
type DriverRatings struct {
	DriverID string          `json:"driver_id"`
	Average  float64         `json:"average"`
	Count    int             `json:"count"`
	Ratings  []models.Rating `json:"ratings"`
}

func (s *Service) DriverRatings(ctx context.Context, driverID string) (*DriverRatings, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: missing driver id", ErrInvalidInput)
	}
	list, err := s.Store.ListDriverRatings(ctx, driverID, storage.DefaultRatingsLimit)
	if err != nil {
		return nil, err
	}
	out := &DriverRatings{DriverID: driverID, Count: len(list), Ratings: list}
	if len(list) > 0 {
		sum := 0
		for _, r := range list {
			sum += r.Score
		}
		out.Average = math.Round(float64(sum)/float64(len(list))*100) / 100
	}
	return out, nil
}
