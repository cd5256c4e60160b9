package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/urbanflow/internal/observability"
)

// Event is one change notification. Delivery is at-least-once from the
// client's point of view; ID lets it drop duplicates after a reconnect.
type Event struct {
	ID    string    `json:"id"`
	Topic string    `json:"topic"`
	Type  string    `json:"type"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

const (
	PendingRidesTopic    = "rides:pending"
	DriverLocationsTopic = "driver-locations"
)

func RideTopic(rideID string) string             { return "ride:" + rideID }
func OffersTopic(driverID string) string         { return "offers:" + driverID }
func DriverLocationTopic(driverID string) string { return "driver-location:" + driverID }
func NotificationsTopic(userID string) string    { return "notifications:" + userID }

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

// Hub fans events out to topic subscribers. Publish never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	now    func() time.Time
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, now: time.Now}
}

// Subscription receives events for one topic until Close.
type Subscription struct {
	Topic string
	ch    chan Event
	hub   *Hub
	once  sync.Once
}

// C is closed once the subscription is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

func (h *Hub) Subscribe(topic string) *Subscription {
	s := &Subscription{Topic: topic, ch: make(chan Event, h.buffer), hub: h}
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()
	observability.RealtimeSubscribers.Inc()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.Topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.Topic)
		}
	}
	close(s.ch)
	observability.RealtimeSubscribers.Dec()
}

// Publish delivers data to every subscriber of topic and returns the event.
func (h *Hub) Publish(topic, typ string, data any) Event {
	evt := Event{ID: uuid.NewString(), Topic: topic, Type: typ, At: h.now().UTC(), Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[topic] {
		select {
		case s.ch <- evt:
		default:
			observability.RealtimeDropped.Inc()
		}
	}
	return evt
}

// Subscribers returns the number of open subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
