package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// Stripe creates orders as PaymentIntents with manual capture, so funds
// are held at booking and captured when the trip completes.
type Stripe struct {
	api *client.API
	key string
}

// NewStripe builds a client for apiKey. backends may be nil.
func NewStripe(apiKey string, backends *stripe.Backends) *Stripe {
	return &Stripe{api: client.New(apiKey, backends), key: apiKey}
}

func (s *Stripe) Name() string     { return "stripe" }
func (s *Stripe) Configured() bool { return s.key != "" }

// CreateOrder places a hold for the order amount.
func (s *Stripe) CreateOrder(ctx context.Context, req OrderRequest) (json.RawMessage, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	currency := req.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if req.Receipt != "" {
		params.AddMetadata("receipt", req.Receipt)
	}
	for k, v := range req.Notes {
		if str, ok := v.(string); ok {
			params.AddMetadata(k, str)
		}
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, s.wrap(err)
	}
	return json.Marshal(pi)
}

// Capture finalizes a previously held PaymentIntent.
func (s *Stripe) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return s.wrap(err)
}

// Cancel releases the hold on a PaymentIntent.
func (s *Stripe) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return s.wrap(err)
}

var _ Holder = (*Stripe)(nil)

func (s *Stripe) wrap(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode > 0 {
		body, _ := json.Marshal(se)
		return &UpstreamError{Provider: s.Name(), Status: se.HTTPStatusCode, Body: body}
	}
	return err
}
