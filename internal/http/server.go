package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/urbanflow/internal/auth"
	"github.com/example/urbanflow/internal/idempotency"
	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/payments"
	"github.com/example/urbanflow/internal/realtime"
	"github.com/example/urbanflow/internal/rides"
	"github.com/example/urbanflow/internal/storage"
)

// Deps are the services the API is built from. Payments, Idem and Auth may
// be nil: order creation then answers 500, idempotency keys are ignored and
// requests are not authenticated.
type Deps struct {
	Rides    *rides.Service
	Matcher  *matcher.Service
	Store    storage.Store
	Hub      *realtime.Hub
	Payments payments.Gateway
	Idem     idempotency.Store
	Auth     *auth.Verifier
	// Checks run on /ready, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

type Server struct {
	Deps
	logger  *slog.Logger
	mux     *mux.Router
	handler http.Handler
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	s.handler = s.corsMiddleware(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/create-razorpay-order", s.handleCreatePaymentOrder)
	s.mux.HandleFunc("/api/create-ride-offers", s.handleCreateRideOffers)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/quote", s.handleQuote).Methods(http.MethodGet)
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/pending", s.handleNearbyPending).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/payment-order", s.handleRidePaymentOrder).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", s.handleRateRide).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/rides", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/notifications", s.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offers", s.handleLiveOffers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/ratings", s.handleDriverRatings).Methods(http.MethodGet)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.HandleFunc("/rides/pending", s.handleWSPending).Methods(http.MethodGet)
	ws.HandleFunc("/rides/{id}", s.handleWSRide).Methods(http.MethodGet)
	ws.HandleFunc("/drivers/locations", s.handleWSDriverLocations).Methods(http.MethodGet)
	ws.HandleFunc("/drivers/{id}/location", s.handleWSDriverLocation).Methods(http.MethodGet)
	ws.HandleFunc("/drivers/{id}/offers", s.handleWSOffers).Methods(http.MethodGet)
	ws.HandleFunc("/users/{id}/notifications", s.handleWSNotifications).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "not ready", Details: failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
