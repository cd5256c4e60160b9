package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultCurrency is used when an order does not name one.
const DefaultCurrency = "INR"

var ErrNotConfigured = errors.New("payment gateway credentials missing")

// OrderRequest creates a payment order. Amount is in minor units (paise).
type OrderRequest struct {
	Amount         int64
	Currency       string
	Receipt        string
	Notes          map[string]any
	IdempotencyKey string
}

// Gateway creates payment orders with an external provider and returns the
// provider's order object unchanged.
type Gateway interface {
	Name() string
	Configured() bool
	CreateOrder(ctx context.Context, req OrderRequest) (json.RawMessage, error)
}

// Holder settles funds held by an earlier order: Capture charges them and
// Cancel releases them. Gateways that charge at order time do not implement it.
type Holder interface {
	Capture(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID string) error
}

// OrderID extracts the provider's order id from an order object.
func OrderID(order json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(order, &v); err != nil {
		return ""
	}
	return v.ID
}

// UpstreamError is a non-success answer from the provider. Body holds the
// provider's error payload.
type UpstreamError struct {
	Provider string
	Status   int
	Body     json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Provider, e.Status)
}

// rawOrString keeps b when it is valid JSON and quotes it otherwise.
func rawOrString(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return q
}
