package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/urbanflow/internal/auth"
	"github.com/example/urbanflow/internal/realtime"
	"github.com/example/urbanflow/internal/rides"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe upgrades the request and streams topic until the client leaves.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, topic string) {
	if s.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime disabled", nil)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "topic", topic, "error", err)
		return
	}
	sub := s.Hub.Subscribe(topic)
	s.logger.Debug("websocket subscribed", "topic", topic, "remote", remoteIP(r))
	realtime.Stream(r.Context(), conn, sub, s.logger)
}

func (s *Server) handleWSPending(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, realtime.PendingRidesTopic)
}

func (s *Server) handleWSDriverLocations(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, realtime.DriverLocationsTopic)
}

func (s *Server) handleWSDriverLocation(w http.ResponseWriter, r *http.Request) {
	s.subscribe(w, r, realtime.DriverLocationTopic(mux.Vars(r)["id"]))
}

// handleWSRide streams one ride. Authenticated callers must be its rider or
// its driver.
func (s *Server) handleWSRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if p, ok := auth.FromContext(r.Context()); ok {
		ride, err := s.Rides.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if ride.RiderID != p.UserID && !ride.AssignedTo(p.UserID) {
			s.fail(w, r, rides.ErrForbidden)
			return
		}
	}
	s.subscribe(w, r, realtime.RideTopic(id))
}

func (s *Server) handleWSOffers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sameUser(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.subscribe(w, r, realtime.OffersTopic(id))
}

func (s *Server) handleWSNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := sameUser(r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.subscribe(w, r, realtime.NotificationsTopic(id))
}
