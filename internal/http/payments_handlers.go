package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/observability"
	"github.com/example/urbanflow/internal/payments"
	"github.com/example/urbanflow/internal/pricing"
	"github.com/example/urbanflow/internal/rides"
	"github.com/example/urbanflow/internal/storage"
)

type paymentOrderRequest struct {
	Amount   *float64       `json:"amount"`
	Currency string         `json:"currency"`
	Receipt  string         `json:"receipt"`
	Notes    map[string]any `json:"notes"`
}

func providerLabel(g payments.Gateway) string {
	if g != nil && g.Name() == "stripe" {
		return "Stripe"
	}
	return "Razorpay"
}

// handleCreatePaymentOrder creates a provider order and returns the
// provider's order object as is.
func (s *Server) handleCreatePaymentOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	label := providerLabel(s.Payments)
	if s.Payments == nil || !s.Payments.Configured() {
		observability.PaymentOrders.WithLabelValues(label, "unconfigured").Inc()
		writeError(w, http.StatusInternalServerError, label+" credentials missing in server env", nil)
		return
	}
	var req paymentOrderRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Amount == nil || math.IsNaN(*req.Amount) || *req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid amount", nil)
		return
	}
	order := payments.OrderRequest{
		Amount:         int64(math.Round(*req.Amount)),
		Currency:       req.Currency,
		Receipt:        req.Receipt,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if order.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid amount", nil)
		return
	}
	if order.Currency == "" {
		order.Currency = payments.DefaultCurrency
	}
	if order.Receipt == "" {
		order.Receipt = fmt.Sprintf("order_%d", time.Now().UnixMilli())
	}
	if order.Notes == nil {
		order.Notes = map[string]any{}
	}

	s.idempotent(w, r, viewer(r), func() (int, any) { return s.placeOrder(r, order) })
}

// placeOrder creates order with the configured gateway and shapes the
// response the way checkout clients expect.
func (s *Server) placeOrder(r *http.Request, order payments.OrderRequest) (int, any) {
	label := providerLabel(s.Payments)
	body, err := s.Payments.CreateOrder(r.Context(), order)
	var upstream *payments.UpstreamError
	switch {
	case errors.As(err, &upstream):
		observability.PaymentOrders.WithLabelValues(s.Payments.Name(), "rejected").Inc()
		s.logger.Warn("payment order rejected", "provider", s.Payments.Name(), "status", upstream.Status)
		return http.StatusBadGateway, errorBody{Error: label + " create order failed", Details: upstream.Body}
	case err != nil:
		observability.PaymentOrders.WithLabelValues(s.Payments.Name(), "error").Inc()
		s.logger.Error("payment order failed", "provider", s.Payments.Name(), "error", err)
		return http.StatusInternalServerError, errorBody{Error: "Internal server error", Details: err.Error()}
	}
	observability.PaymentOrders.WithLabelValues(s.Payments.Name(), "created").Inc()
	return http.StatusOK, body
}

// handleRidePaymentOrder creates an order for a ride's fare on behalf of
// its rider.
func (s *Server) handleRidePaymentOrder(w http.ResponseWriter, r *http.Request) {
	if s.Payments == nil || !s.Payments.Configured() {
		writeError(w, http.StatusInternalServerError, providerLabel(s.Payments)+" credentials missing in server env", nil)
		return
	}
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	riderID, err := actor(r, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if riderID != ride.RiderID {
		s.fail(w, r, rides.ErrForbidden)
		return
	}
	if ride.Status == models.RideCancelled {
		s.fail(w, r, rides.ErrInvalidTransition)
		return
	}
	if p, err := s.Store.GetPayment(r.Context(), ride.ID); err == nil && p.Status != models.PaymentCreated {
		s.fail(w, r, fmt.Errorf("%w: ride payment already %s", rides.ErrInvalidTransition, p.Status))
		return
	}
	order := payments.OrderRequest{
		Amount:         pricing.ToMinorUnits(ride.FareRupees),
		Currency:       payments.DefaultCurrency,
		Receipt:        "ride_" + ride.ID,
		Notes:          map[string]any{"ride_id": ride.ID, "rider_id": ride.RiderID},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	s.idempotent(w, r, riderID, func() (int, any) {
		status, body := s.placeOrder(r, order)
		if raw, ok := body.(json.RawMessage); ok && status == http.StatusOK {
			if _, err := s.Rides.AttachPayment(r.Context(), ride.ID, s.Payments.Name(), payments.OrderID(raw)); err != nil {
				s.logger.Warn("attach ride payment failed", "ride_id", ride.ID, "error", err)
			}
		}
		return status, body
	})
}

type rideOffersRequest struct {
	RideID    string   `json:"ride_id"`
	PickupLat *float64 `json:"pickup_lat"`
	PickupLon *float64 `json:"pickup_lon"`
	RadiusKm  *float64 `json:"radius_km"`
}

// handleCreateRideOffers fans an existing pending ride out to nearby drivers.
func (s *Server) handleCreateRideOffers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	var req rideOffersRequest
	if err := decodeJSON(w, r, &req); err != nil || req.RideID == "" || req.PickupLat == nil || req.PickupLon == nil {
		writeError(w, http.StatusBadRequest, "Invalid payload", nil)
		return
	}
	radius := matcher.DefaultRadiusKm
	if req.RadiusKm != nil && *req.RadiusKm > 0 {
		radius = *req.RadiusKm
	}
	res, err := s.Matcher.FanOutAt(r.Context(), req.RideID, models.Coord{Lat: *req.PickupLat, Lon: *req.PickupLon}, radius)
	switch {
	case errors.Is(err, matcher.ErrLookup):
		writeError(w, http.StatusBadGateway, "Nearby driver lookup failed", err.Error())
	case errors.Is(err, matcher.ErrInsert):
		writeError(w, http.StatusBadGateway, "Failed to insert ride_offers", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Ride not found", nil)
	case err != nil:
		s.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
