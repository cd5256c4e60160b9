package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/urbanflow/internal/models"
)

// MemoryStore is a process-local Store used when no database is configured
// and in tests. Values are copied in and out so callers never share state.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.RideRequest
	offers        map[string]*models.RideOffer // by offer id
	offerKeys     map[[2]string]string         // (ride, driver) -> offer id
	locations     map[string]models.DriverLocation
	transactions  map[string]*models.Transaction // by ride id
	payments      map[string]*models.RidePayment // by ride id
	ratings       map[string]*models.Rating      // by ride id
	notifications map[string]*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]*models.RideRequest),
		offers:        make(map[string]*models.RideOffer),
		offerKeys:     make(map[[2]string]string),
		locations:     make(map[string]models.DriverLocation),
		transactions:  make(map[string]*models.Transaction),
		payments:      make(map[string]*models.RidePayment),
		ratings:       make(map[string]*models.Rating),
		notifications: make(map[string]*models.Notification),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from models.RideStatus, u RideUpdate) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	if u.ExpectDriverID != "" && !r.AssignedTo(u.ExpectDriverID) {
		return nil, ErrConflict
	}
	applyUpdate(r, u)
	return cloneRide(r), nil
}

func (m *MemoryStore) ListRidesByStatus(_ context.Context, status models.RideStatus) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRideHistory(_ context.Context, userID string, limit int) ([]models.RideRequest, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRequest, 0)
	for _, r := range m.rides {
		if r.Status != models.RideCompleted {
			continue
		}
		if r.RiderID == userID || r.AssignedTo(userID) {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateOffers(_ context.Context, rideID string, driverIDs []string, createdAt, expiresAt time.Time) ([]models.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RideOffer, 0, len(driverIDs))
	for _, d := range driverIDs {
		key := [2]string{rideID, d}
		if _, ok := m.offerKeys[key]; ok {
			continue
		}
		o := &models.RideOffer{
			ID:        uuid.NewString(),
			RideID:    rideID,
			DriverID:  d,
			Status:    models.OfferPending,
			CreatedAt: createdAt,
			ExpiresAt: expiresAt,
		}
		m.offers[o.ID] = o
		m.offerKeys[key] = o.ID
		out = append(out, *o)
	}
	return out, nil
}

func (m *MemoryStore) FindOffer(_ context.Context, rideID, driverID string) (*models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.offerKeys[[2]string{rideID, driverID}]
	if !ok {
		return nil, ErrNotFound
	}
	o := *m.offers[id]
	return &o, nil
}

func (m *MemoryStore) ListLiveOffers(_ context.Context, driverID string, now time.Time) ([]models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideOffer, 0)
	for _, o := range m.offers {
		if o.DriverID == driverID && o.Live(now) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ResolveOffers(_ context.Context, rideID, acceptedDriverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.RideID != rideID || o.Status != models.OfferPending {
			continue
		}
		if acceptedDriverID != "" && o.DriverID == acceptedDriverID {
			o.Status = models.OfferAccepted
		} else {
			o.Status = models.OfferWithdrawn
		}
		t := at
		o.RespondedAt = &t
	}
	return nil
}

func (m *MemoryStore) DeclineOffer(_ context.Context, rideID, driverID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.offerKeys[[2]string{rideID, driverID}]
	if !ok {
		return ErrNotFound
	}
	o := m.offers[id]
	if o.Status != models.OfferPending {
		return ErrConflict
	}
	o.Status = models.OfferDeclined
	t := at
	o.RespondedAt = &t
	return nil
}

func (m *MemoryStore) ExpireOffers(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.offers {
		if o.Status == models.OfferPending && !now.Before(o.ExpiresAt) {
			o.Status = models.OfferExpired
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertDriverLocation(_ context.Context, loc models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.DriverID] = loc
	return nil
}

func (m *MemoryStore) GetDriverLocation(_ context.Context, driverID string) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	return &loc, nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.RideID]; ok {
		return ErrConflict
	}
	c := *tx
	m.transactions[tx.RideID] = &c
	return nil
}

// Transaction returns the transaction recorded for a ride.
func (m *MemoryStore) Transaction(rideID string) (*models.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[rideID]
	if !ok {
		return nil, false
	}
	c := *tx
	return &c, true
}

func (m *MemoryStore) SavePayment(_ context.Context, p *models.RidePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.payments[p.RideID]; ok {
		if cur.Status != models.PaymentCreated {
			return ErrConflict
		}
		p.CreatedAt = cur.CreatedAt
	}
	c := *p
	m.payments[p.RideID] = &c
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, rideID string) (*models.RidePayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) SettlePayment(_ context.Context, rideID string, to models.PaymentStatus, at time.Time) (*models.RidePayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != models.PaymentCreated {
		return nil, ErrConflict
	}
	p.Status = to
	p.UpdatedAt = at
	c := *p
	return &c, nil
}

func (m *MemoryStore) CreateRating(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ratings[r.RideID]; ok {
		return ErrConflict
	}
	c := *r
	m.ratings[r.RideID] = &c
	return nil
}

func (m *MemoryStore) ListDriverRatings(_ context.Context, driverID string, limit int) ([]models.Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rating, 0)
	for _, r := range m.ratings {
		if r.DriverID == driverID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *n
	m.notifications[n.ID] = &c
	return nil
}

func (m *MemoryStore) GetNotification(_ context.Context, id string) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID string, unreadOnly bool) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Notification, 0)
	for _, n := range m.notifications {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id string, at time.Time) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !n.IsRead {
		n.IsRead = true
		t := at
		n.ReadAt = &t
	}
	c := *n
	return &c, nil
}

func cloneRide(r *models.RideRequest) *models.RideRequest {
	c := *r
	c.DriverID = cloneString(r.DriverID)
	c.OTP = cloneString(r.OTP)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
