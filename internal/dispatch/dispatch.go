package dispatch

import (
	"context"
	"errors"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/realtime"
)

// Dispatcher delivers a ride offer to the driver it was made for.
type Dispatcher interface {
	Offer(ctx context.Context, ride *models.RideRequest, offer models.RideOffer) error
}

// OfferMessage is the payload drivers receive for a new offer.
type OfferMessage struct {
	Offer models.RideOffer   `json:"offer"`
	Ride  models.RideRequest `json:"ride"`
}

func newOfferMessage(ride *models.RideRequest, offer models.RideOffer) OfferMessage {
	return OfferMessage{Offer: offer, Ride: ride.WithoutOTP()}
}

// HubDispatcher publishes offers on the driver's realtime offers topic.
type HubDispatcher struct {
	Hub *realtime.Hub
}

func (h *HubDispatcher) Offer(_ context.Context, ride *models.RideRequest, offer models.RideOffer) error {
	h.Hub.Publish(realtime.OffersTopic(offer.DriverID), "offer.created", newOfferMessage(ride, offer))
	return nil
}

// Multi sends every offer through each dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Offer(ctx context.Context, ride *models.RideRequest, offer models.RideOffer) error {
	var errs []error
	for _, d := range m {
		if err := d.Offer(ctx, ride, offer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
