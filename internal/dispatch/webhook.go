package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/urbanflow/internal/models"
)

// WebhookDispatcher posts offers to a push provider endpoint (FCM-style
// message envelope, bearer key).
type WebhookDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookDispatcher(endpoint, key string) *WebhookDispatcher {
	return &WebhookDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushEnvelope struct {
	Message pushMessage `json:"message"`
}

type pushMessage struct {
	Topic string       `json:"topic"`
	Data  OfferMessage `json:"data"`
}

func (w *WebhookDispatcher) Offer(ctx context.Context, ride *models.RideRequest, offer models.RideOffer) error {
	b, err := json.Marshal(pushEnvelope{Message: pushMessage{Topic: "driver-" + offer.DriverID, Data: newOfferMessage(ride, offer)}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push offer %s: %w", offer.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push offer %s: status %d", offer.ID, resp.StatusCode)
	}
	return nil
}
