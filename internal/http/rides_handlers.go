package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/rides"
)

func queryFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, fmt.Errorf("%w: %s is required", rides.ErrInvalidInput, key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", rides.ErrInvalidInput, key)
	}
	return f, nil
}

func queryCoord(r *http.Request, latKey, lonKey string) (models.Coord, error) {
	lat, err := queryFloat(r, latKey)
	if err != nil {
		return models.Coord{}, err
	}
	lon, err := queryFloat(r, lonKey)
	if err != nil {
		return models.Coord{}, err
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	pickup, err := queryCoord(r, "pickup_lat", "pickup_lon")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	drop, err := queryCoord(r, "drop_lat", "drop_lon")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := s.Rides.Quote(r.Context(), pickup, drop)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type createRideRequest struct {
	RiderID   string   `json:"rider_id"`
	PickupLat *float64 `json:"pickup_lat"`
	PickupLon *float64 `json:"pickup_lon"`
	DropLat   *float64 `json:"drop_lat"`
	DropLon   *float64 `json:"drop_lon"`
}

func (c createRideRequest) coords() (pickup, drop models.Coord, err error) {
	if c.PickupLat == nil || c.PickupLon == nil || c.DropLat == nil || c.DropLon == nil {
		return pickup, drop, fmt.Errorf("%w: pickup_lat, pickup_lon, drop_lat and drop_lon are required", rides.ErrInvalidInput)
	}
	return models.Coord{Lat: *c.PickupLat, Lon: *c.PickupLon}, models.Coord{Lat: *c.DropLat, Lon: *c.DropLon}, nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	riderID, err := actor(r, req.RiderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pickup, drop, err := req.coords()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.idempotent(w, r, riderID, func() (int, any) {
		ride, err := s.Rides.Create(r.Context(), riderID, pickup, drop)
		if err != nil {
			return s.errorResult(r, err)
		}
		return http.StatusCreated, ride
	})
}

// errorResult is fail for handlers that build their response as a value.
func (s *Server) errorResult(r *http.Request, err error) (int, any) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		return status, errorBody{Error: "internal error"}
	}
	return status, errorBody{Error: err.Error()}
}

// handleGetRide shows the OTP only to the ride's rider.
func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if viewer(r) != ride.RiderID {
		view := ride.WithoutOTP()
		ride = &view
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleNearbyPending(w http.ResponseWriter, r *http.Request) {
	at, err := queryCoord(r, "lat", "lon")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var radius float64
	if r.URL.Query().Get("radius_km") != "" {
		if radius, err = queryFloat(r, "radius_km"); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	list, err := s.Rides.NearbyPending(r.Context(), at, radius)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type driverActionRequest struct {
	DriverID      string               `json:"driver_id"`
	OTP           string               `json:"otp"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request) (driverActionRequest, string, bool) {
	var req driverActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", nil)
		return req, "", false
	}
	id, err := actor(r, req.DriverID)
	if err != nil {
		s.fail(w, r, err)
		return req, "", false
	}
	return req, id, true
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	_, driverID, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	res, err := s.Rides.Accept(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	_, driverID, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	if err := s.Rides.Decline(r.Context(), mux.Vars(r)["id"], driverID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, driverID, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	ride, err := s.Rides.Start(r.Context(), mux.Vars(r)["id"], driverID, req.OTP)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, driverID, ok := s.driverAction(w, r)
	if !ok {
		return
	}
	res, err := s.Rides.Complete(r.Context(), mux.Vars(r)["id"], driverID, req.PaymentMethod)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	userID, err := actor(r, req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ride, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["id"], userID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rateRequest struct {
	RiderID string `json:"rider_id"`
	Rating  *int   `json:"rating"`
	Comment string `json:"comment"`
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	riderID, err := actor(r, req.RiderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Rating == nil {
		s.fail(w, r, fmt.Errorf("%w: rating is required", rides.ErrInvalidInput))
		return
	}
	rating, err := s.Rides.Rate(r.Context(), mux.Vars(r)["id"], riderID, *req.Rating, req.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) handleDriverRatings(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Rides.DriverRatings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sameUser(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.Rides.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLiveOffers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sameUser(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	offers, err := s.Rides.LiveOffers(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

type locationRequest struct {
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Online *bool    `json:"online"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sameUser(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	var req locationRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required", nil)
		return
	}
	online := true
	if req.Online != nil {
		online = *req.Online
	}
	loc, err := s.Rides.UpdateLocation(r.Context(), models.DriverLocation{DriverID: id, Lat: *req.Lat, Lon: *req.Lon, Online: online})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sameUser(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	list, err := s.Store.ListNotifications(r.Context(), id, unread)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n, err := s.Store.GetNotification(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := owns(r, n.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err = s.Store.MarkNotificationRead(r.Context(), id, time.Now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
