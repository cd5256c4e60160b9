package rides

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/urbanflow/internal/dispatch"
	"github.com/example/urbanflow/internal/geo"
	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/realtime"
	"github.com/example/urbanflow/internal/storage"
)

var (
	pickup = models.Coord{Lat: 28.60, Lon: 77.20}
	drop   = models.Coord{Lat: 28.55, Lon: 77.15}
)

type recordingEvents struct {
	mu     sync.Mutex
	rides  []models.RideEvent
	points []models.DriverLocation
}

func (r *recordingEvents) PublishLocation(_ context.Context, loc models.DriverLocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, loc)
	return nil
}

func (r *recordingEvents) PublishRideEvent(_ context.Context, evt models.RideEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rides = append(r.rides, evt)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.rides))
	for i, e := range r.rides {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	hub    *realtime.Hub
	events *recordingEvents
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		hub:    realtime.NewHub(16),
		events: &recordingEvents{},
		clock:  time.Now().UTC(),
	}
	idx := geo.NewIndex(0)
	f.svc = &Service{
		Store:   f.store,
		Tracker: idx,
		Hub:     f.hub,
		Events:  f.events,
		Matcher: &matcher.Service{Locator: idx, Store: f.store, Dispatch: &dispatch.HubDispatcher{Hub: f.hub}},
	}
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) driverAt(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	if _, err := f.svc.UpdateLocation(context.Background(), models.DriverLocation{DriverID: id, Lat: lat, Lon: lon, Online: true}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateComputesDistanceAndFare(t *testing.T) {
	f := newFixture(t)
	f.driverAt(t, "d1", 28.601, 77.201)
	f.driverAt(t, "far", 28.90, 77.20)

	ride, err := f.svc.Create(context.Background(), "rider-1", pickup, drop)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(ride.DistanceKm-7.40) > 0.01 {
		t.Fatalf("expected ~7.40km, got %f", ride.DistanceKm)
	}
	if ride.FareRupees != 108.99 {
		t.Fatalf("expected fare 108.99, got %v", ride.FareRupees)
	}
	if ride.Status != models.RidePending || ride.DriverID != nil || ride.OTP != nil {
		t.Fatalf("unexpected new ride: %+v", ride)
	}
	if live, _ := f.store.ListLiveOffers(context.Background(), "d1", f.clock); len(live) != 1 {
		t.Fatalf("expected an offer for the nearby driver, got %v", live)
	}
	if live, _ := f.store.ListLiveOffers(context.Background(), "far", f.clock); len(live) != 0 {
		t.Fatalf("far driver should not get an offer: %v", live)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, "", pickup, drop); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing rider, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "rider-1", models.Coord{Lat: 91}, drop); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad pickup, got %v", err)
	}
}

func TestEndToEndBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driverAt(t, "d1", 28.61, 77.21)

	pending := f.hub.Subscribe(realtime.PendingRidesTopic)
	defer pending.Close()

	ride, err := f.svc.Create(ctx, "rider-1", pickup, drop)
	if err != nil {
		t.Fatal(err)
	}
	if evt := <-pending.C(); evt.Type != "ride.created" {
		t.Fatalf("expected ride.created on pending feed, got %s", evt.Type)
	}

	acc, err := f.svc.Accept(ctx, ride.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Ride.OTP != nil {
		t.Fatal("driver must not receive the otp")
	}
	if acc.PickupETAMinutes == nil {
		t.Fatal("expected pickup eta from driver location")
	}

	stored, _ := f.svc.Get(ctx, ride.ID)
	if stored.Status != models.RideAccepted || !stored.AssignedTo("d1") || stored.OTP == nil || len(*stored.OTP) != 4 {
		t.Fatalf("unexpected accepted ride: %+v", stored)
	}
	offer, _ := f.store.FindOffer(ctx, ride.ID, "d1")
	if offer.Status != models.OfferAccepted {
		t.Fatalf("expected offer accepted, got %s", offer.Status)
	}

	if _, err := f.svc.Start(ctx, ride.ID, "d1", "0000"); !errors.Is(err, ErrInvalidOTP) {
		t.Fatalf("expected invalid otp, got %v", err)
	}
	if _, err := f.svc.Start(ctx, ride.ID, "d2", *stored.OTP); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for other driver, got %v", err)
	}
	started, err := f.svc.Start(ctx, ride.ID, "d1", *stored.OTP)
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != models.RideOngoing || started.OTP != nil || started.StartedAt == nil {
		t.Fatalf("unexpected started ride: %+v", started)
	}
	if _, err := f.svc.Start(ctx, ride.ID, "d1", *stored.OTP); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("otp replay should fail, got %v", err)
	}

	done, err := f.svc.Complete(ctx, ride.ID, "d1", models.PaymentCard)
	if err != nil {
		t.Fatal(err)
	}
	if done.Ride.Status != models.RideCompleted || done.Transaction == nil {
		t.Fatalf("unexpected completion: %+v", done)
	}
	tx := done.Transaction
	if tx.Amount != 108.99 || math.Abs(tx.PlatformFee+tx.DriverEarnings-tx.Amount) > 1e-9 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if _, ok := f.store.Transaction(ride.ID); !ok {
		t.Fatal("transaction not stored")
	}

	hist, _ := f.svc.History(ctx, "rider-1")
	if len(hist) != 1 || hist[0].ID != ride.ID {
		t.Fatalf("unexpected history: %v", hist)
	}
	notes, _ := f.store.ListNotifications(ctx, "rider-1", false)
	if len(notes) != 3 {
		t.Fatalf("expected accepted/started/completed notifications, got %d", len(notes))
	}

	want := []string{"ride.created", "ride.accepted", "ride.started", "ride.completed"}
	got := f.events.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
}

func TestConcurrentAcceptOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride, err := f.svc.Create(ctx, "rider-1", pickup, drop)
	if err != nil {
		t.Fatal(err)
	}

	const drivers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		taken   int
	)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, ride.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrAlreadyTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	if winners != 1 || taken != drivers-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d/%d", drivers-1, winners, taken)
	}
}

func TestAcceptRejectsDeadOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driverAt(t, "d1", 28.601, 77.20)
	f.driverAt(t, "d2", 28.602, 77.20)
	ride, _ := f.svc.Create(ctx, "rider-1", pickup, drop)

	if err := f.svc.Decline(ctx, ride.ID, "d2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Accept(ctx, ride.ID, "d2"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("declined driver should not accept, got %v", err)
	}
	if err := f.svc.Decline(ctx, ride.ID, "d2"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("second decline should report a dead offer, got %v", err)
	}

	f.clock = time.Now().Add(matcher.DefaultOfferTTL + time.Minute)
	if _, err := f.svc.Accept(ctx, ride.ID, "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected expired offer, got %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driverAt(t, "d1", 28.601, 77.20)
	ride, _ := f.svc.Create(ctx, "rider-1", pickup, drop)

	if _, err := f.svc.Cancel(ctx, ride.ID, "stranger", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	cancelled, err := f.svc.Cancel(ctx, ride.ID, "rider-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != models.RideCancelled || cancelled.CancelReason != "cancelled by rider" || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled ride: %+v", cancelled)
	}
	if o, _ := f.store.FindOffer(ctx, ride.ID, "d1"); o.Status != models.OfferWithdrawn {
		t.Fatalf("offer should be withdrawn, got %s", o.Status)
	}
	if _, err := f.svc.Accept(ctx, ride.ID, "d1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accepting a cancelled ride should fail, got %v", err)
	}

	other, _ := f.svc.Create(ctx, "rider-1", pickup, drop)
	acc, _ := f.svc.Accept(ctx, other.ID, "d1")
	stored, _ := f.svc.Get(ctx, acc.Ride.ID)
	if _, err := f.svc.Start(ctx, other.ID, "d1", *stored.OTP); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Cancel(ctx, other.ID, "rider-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ongoing ride must not be cancelled, got %v", err)
	}
}

func TestDriverCancelNotifiesRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride, _ := f.svc.Create(ctx, "rider-1", pickup, drop)
	if _, err := f.svc.Accept(ctx, ride.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	sub := f.hub.Subscribe(realtime.NotificationsTopic("rider-1"))
	defer sub.Close()

	got, err := f.svc.Cancel(ctx, ride.ID, "d1", "car broke down")
	if err != nil {
		t.Fatal(err)
	}
	if got.CancelReason != "car broke down" || got.OTP != nil {
		t.Fatalf("unexpected ride: %+v", got)
	}
	select {
	case evt := <-sub.C():
		if n, ok := evt.Data.(*models.Notification); !ok || n.Type != "ride_cancelled" {
			t.Fatalf("unexpected notification: %#v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("rider not notified")
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driverAt(t, "d1", 28.601, 77.20)
	old, _ := f.svc.Create(ctx, "rider-1", pickup, drop)

	f.clock = f.clock.Add(DefaultRideTTL + time.Minute)
	fresh, _ := f.svc.Create(ctx, "rider-2", pickup, drop)

	rides, _, err := f.svc.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rides != 1 {
		t.Fatalf("expected one expired ride, got %d", rides)
	}
	got, _ := f.svc.Get(ctx, old.ID)
	if got.Status != models.RideCancelled || got.CancelReason != ExpiredReason {
		t.Fatalf("old ride not expired: %+v", got)
	}
	if got, _ := f.svc.Get(ctx, fresh.ID); got.Status != models.RidePending {
		t.Fatalf("fresh ride should stay pending: %+v", got)
	}
}

func TestNearbyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	far, _ := f.svc.Create(ctx, "rider-1", models.Coord{Lat: 28.62, Lon: 77.20}, drop)
	near, _ := f.svc.Create(ctx, "rider-2", models.Coord{Lat: 28.601, Lon: 77.20}, drop)
	_, _ = f.svc.Create(ctx, "rider-3", models.Coord{Lat: 12.97, Lon: 77.59}, drop)

	got, err := f.svc.NearbyPending(ctx, pickup, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != near.ID || got[1].ID != far.ID {
		t.Fatalf("unexpected nearby rides: %+v", got)
	}
	if _, err := f.svc.NearbyPending(ctx, models.Coord{Lat: 100}, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.Quote(context.Background(), pickup, drop)
	if err != nil {
		t.Fatal(err)
	}
	if q.FareRupees != 108.99 || q.ETAMinutes == nil || *q.ETAMinutes != 15 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestUpdateLocationPublishes(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(realtime.DriverLocationTopic("d1"))
	defer sub.Close()

	f.driverAt(t, "d1", 28.6, 77.2)
	select {
	case evt := <-sub.C():
		if loc, ok := evt.Data.(models.DriverLocation); !ok || loc.DriverID != "d1" || loc.UpdatedAt.IsZero() {
			t.Fatalf("unexpected payload: %#v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("location not published")
	}
	if len(f.events.points) != 1 {
		t.Fatalf("expected one streamed location, got %d", len(f.events.points))
	}
	if _, err := f.svc.UpdateLocation(context.Background(), models.DriverLocation{Lat: 1, Lon: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
