package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/urbanflow/internal/auth"
	"github.com/example/urbanflow/internal/dispatch"
	"github.com/example/urbanflow/internal/geo"
	"github.com/example/urbanflow/internal/idempotency"
	"github.com/example/urbanflow/internal/matcher"
	"github.com/example/urbanflow/internal/models"
	"github.com/example/urbanflow/internal/payments"
	"github.com/example/urbanflow/internal/realtime"
	"github.com/example/urbanflow/internal/rides"
	"github.com/example/urbanflow/internal/storage"
)

type fakeGateway struct {
	configured bool
	calls      atomic.Int32
	last       payments.OrderRequest
	err        error
}

func (g *fakeGateway) Name() string     { return "razorpay" }
func (g *fakeGateway) Configured() bool { return g.configured }
func (g *fakeGateway) CreateOrder(_ context.Context, req payments.OrderRequest) (json.RawMessage, error) {
	g.calls.Add(1)
	g.last = req
	if g.err != nil {
		return nil, g.err
	}
	return json.RawMessage(`{"id":"order_1","amount":10899,"currency":"INR"}`), nil
}

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	hub := realtime.NewHub(16)
	idx := geo.NewIndex(0)
	m := &matcher.Service{Locator: idx, Store: store, Dispatch: &dispatch.HubDispatcher{Hub: hub}}
	deps := Deps{
		Rides:    &rides.Service{Store: store, Matcher: m, Tracker: idx, Hub: hub},
		Matcher:  m,
		Store:    store,
		Hub:      hub,
		Payments: &fakeGateway{configured: true},
		Idem:     idempotency.NewMemory(time.Hour),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer(deps, nil), store
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPaymentOrderPreflightAndMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodOptions, "/api/create-razorpay-order", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("preflight: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing cors header")
	}

	rec = do(t, srv, http.MethodGet, "/api/create-razorpay-order", "", nil)
	if rec.Code != http.StatusMethodNotAllowed || decode(t, rec)["error"] != "Method not allowed" {
		t.Fatalf("expected 405, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPaymentOrderMissingCredentials(t *testing.T) {
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = &fakeGateway{} })
	rec := do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":100}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != "Razorpay credentials missing in server env" {
		t.Fatalf("unexpected error %v", got)
	}
}

func TestPaymentOrderInvalidAmount(t *testing.T) {
	gw := &fakeGateway{configured: true}
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = gw })
	for _, body := range []string{`{}`, `{"amount":"100"}`, `{"amount":0}`, `{"amount":-5}`, `not json`} {
		rec := do(t, srv, http.MethodPost, "/api/create-razorpay-order", body, nil)
		if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "Invalid amount" {
			t.Fatalf("%s: expected 400 Invalid amount, got %d %s", body, rec.Code, rec.Body.String())
		}
	}
	if gw.calls.Load() != 0 {
		t.Fatal("gateway must not be called for invalid amounts")
	}
}

func TestPaymentOrderDefaults(t *testing.T) {
	gw := &fakeGateway{configured: true}
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = gw })
	rec := do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":10898.6}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if decode(t, rec)["id"] != "order_1" {
		t.Fatalf("order not passed through: %s", rec.Body.String())
	}
	if gw.last.Amount != 10899 || gw.last.Currency != "INR" || !strings.HasPrefix(gw.last.Receipt, "order_") || gw.last.Notes == nil {
		t.Fatalf("unexpected order request: %+v", gw.last)
	}
}

func TestPaymentOrderUpstreamAndInternalErrors(t *testing.T) {
	gw := &fakeGateway{configured: true, err: &payments.UpstreamError{Provider: "razorpay", Status: 400, Body: json.RawMessage(`{"error":{"code":"BAD_REQUEST_ERROR"}}`)}}
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = gw })
	rec := do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":100}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != "Razorpay create order failed" || body["details"] == nil {
		t.Fatalf("unexpected body %v", body)
	}

	gw.err = errors.New("dial tcp: connection refused")
	rec = do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":100}`, nil)
	body = decode(t, rec)
	if rec.Code != http.StatusInternalServerError || body["error"] != "Internal server error" || body["details"] != "dial tcp: connection refused" {
		t.Fatalf("unexpected internal error response %d %v", rec.Code, body)
	}
}

func TestPaymentOrderAgainstRazorpay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_rzp","entity":"order","amount":500}`))
	}))
	defer upstream.Close()
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = payments.NewRazorpay("k", "s", upstream.URL) })

	rec := do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":500}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["entity"] != "order" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestPaymentOrderIdempotentReplay(t *testing.T) {
	gw := &fakeGateway{configured: true}
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = gw })
	headers := map[string]string{"Idempotency-Key": "k1"}

	first := do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":100}`, headers)
	second := do(t, srv, http.MethodPost, "/api/create-razorpay-order", `{"amount":100}`, headers)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("unexpected statuses %d %d", first.Code, second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" || second.Body.String() != first.Body.String() {
		t.Fatalf("second call was not replayed: %s", second.Body.String())
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", gw.calls.Load())
	}
}

func TestCreateRideOffers(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	ride, err := srv.Rides.Create(ctx, "rider-1", models.Coord{Lat: 28.60, Lon: 77.20}, models.Coord{Lat: 28.55, Lon: 77.15})
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, srv, http.MethodPost, "/api/create-ride-offers", `{"ride_id":"`+ride.ID+`","pickup_lat":28.60,"pickup_lon":77.20}`, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"created":0`) || !strings.Contains(rec.Body.String(), `"offers":[]`) {
		t.Fatalf("expected empty fan-out, got %d %s", rec.Code, rec.Body.String())
	}

	if _, err := srv.Rides.UpdateLocation(ctx, models.DriverLocation{DriverID: "d1", Lat: 28.601, Lon: 77.201, Online: true}); err != nil {
		t.Fatal(err)
	}
	rec = do(t, srv, http.MethodPost, "/api/create-ride-offers", `{"ride_id":"`+ride.ID+`","pickup_lat":28.60,"pickup_lon":77.20,"radius_km":1}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["created"] != float64(1) {
		t.Fatalf("expected one offer, got %d %s", rec.Code, rec.Body.String())
	}
	if live, _ := store.ListLiveOffers(ctx, "d1", time.Now()); len(live) != 1 {
		t.Fatalf("offer not stored: %v", live)
	}

	for _, body := range []string{`{}`, `{"ride_id":"x","pickup_lat":"28.6","pickup_lon":77.2}`, `{"ride_id":"x","pickup_lat":28.6}`} {
		rec = do(t, srv, http.MethodPost, "/api/create-ride-offers", body, nil)
		if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "Invalid payload" {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
	rec = do(t, srv, http.MethodPost, "/api/create-ride-offers", `{"ride_id":"missing","pickup_lat":28.6,"pickup_lon":77.2}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown ride, got %d", rec.Code)
	}
}

func TestRideFlowOverAPI(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	driver := map[string]string{"X-User-ID": "d1"}

	rec := do(t, srv, http.MethodPut, "/api/v1/drivers/d1/location", `{"lat":28.601,"lon":77.201}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("location: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/rides", `{"rider_id":"rider-1","pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	id := decode(t, rec)["id"].(string)

	rec = do(t, srv, http.MethodGet, "/api/v1/drivers/d1/offers", "", nil)
	var offers []models.RideOffer
	if err := json.Unmarshal(rec.Body.Bytes(), &offers); err != nil || len(offers) != 1 || offers[0].RideID != id {
		t.Fatalf("expected one live offer, got %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/accept", `{}`, driver)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/accept", `{"driver_id":"d2"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second accept should conflict, got %d", rec.Code)
	}

	if body := decode(t, do(t, srv, http.MethodGet, "/api/v1/rides/"+id, "", driver)); body["otp"] != nil {
		t.Fatal("driver must not see the otp")
	}
	otp, _ := decode(t, do(t, srv, http.MethodGet, "/api/v1/rides/"+id+"?user_id=rider-1", "", nil))["otp"].(string)
	if len(otp) != 4 {
		t.Fatalf("rider should see the otp, got %q", otp)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/start", `{"otp":"xxxx"}`, driver)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong otp: expected 422, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/start", `{"otp":"`+otp+`"}`, driver)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != string(models.RideOngoing) {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/complete", `{"payment_method":"wallet"}`, driver)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/users/rider-1/rides", "", nil)
	var hist []models.RideRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil || len(hist) != 1 || hist[0].Status != models.RideCompleted {
		t.Fatalf("unexpected history %s", rec.Body.String())
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/users/rider-1/notifications?unread=true", "", nil)
	var notes []models.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &notes); err != nil || len(notes) == 0 {
		t.Fatalf("expected notifications, got %s", rec.Body.String())
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/notifications/"+notes[0].ID+"/read", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["is_read"] != true {
		t.Fatalf("mark read: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCancelAndValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing rider: expected 400, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/quote?pickup_lat=28.60&pickup_lon=77.20", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete quote: expected 400, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/rides/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, map[string]string{"X-User-ID": "rider-1"})
	id := decode(t, rec)["id"].(string)

	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/cancel", `{"user_id":"someone"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger cancel: expected 403, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/cancel", `{"user_id":"rider-1","reason":"changed plans"}`, nil)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != string(models.RideCancelled) {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/accept", `{"driver_id":"d1"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("accept after cancel: expected 409, got %d", rec.Code)
	}
}

func TestAuthentication(t *testing.T) {
	verifier := auth.NewVerifier("test-secret", "urbanflow")
	srv, _ := newTestServer(t, func(d *Deps) { d.Auth = verifier })

	rec := do(t, srv, http.MethodGet, "/api/v1/users/rider-1/rides", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodGet, "/api/v1/users/rider-1/rides", "", map[string]string{"Authorization": "Bearer garbage"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}

	token, err := verifier.Issue("rider-1", "rider", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	if rec = do(t, srv, http.MethodGet, "/api/v1/users/rider-1/rides", "", bearer); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for own history, got %d", rec.Code)
	}
	if rec = do(t, srv, http.MethodGet, "/api/v1/users/rider-2/rides", "", bearer); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's history, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides", `{"rider_id":"rider-2","pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, bearer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when acting as someone else, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, bearer)
	if rec.Code != http.StatusCreated || decode(t, rec)["rider_id"] != "rider-1" {
		t.Fatalf("expected ride for token subject, got %d %s", rec.Code, rec.Body.String())
	}

	if rec = do(t, srv, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not need a token, got %d", rec.Code)
	}
}

func TestReadyReportsFailedChecks(t *testing.T) {
	srv, _ := newTestServer(t, func(d *Deps) {
		d.Checks = map[string]func(context.Context) error{
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})
	rec := do(t, srv, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis") {
		t.Fatalf("expected 503 naming redis, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRidePaymentOrderUsesFare(t *testing.T) {
	gw := &fakeGateway{configured: true}
	srv, _ := newTestServer(t, func(d *Deps) { d.Payments = gw })
	rider := map[string]string{"X-User-ID": "rider-1"}

	rec := do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, rider)
	id := decode(t, rec)["id"].(string)

	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/payment-order", "", map[string]string{"X-User-ID": "someone"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/payment-order", "", rider)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if gw.last.Amount != 10899 || gw.last.Receipt != "ride_"+id || gw.last.Notes["ride_id"] != id {
		t.Fatalf("unexpected order request: %+v", gw.last)
	}
}

func TestRidePaymentOrderRecordsHold(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rider := map[string]string{"X-User-ID": "rider-1"}
	id := decode(t, do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, rider))["id"].(string)

	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/payment-order", "", rider); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	p, err := store.GetPayment(context.Background(), id)
	if err != nil || p.OrderID != "order_1" || p.Provider != "razorpay" || p.Status != models.PaymentCreated {
		t.Fatalf("expected recorded order, got %+v, %v", p, err)
	}

	_, _ = store.SettlePayment(context.Background(), id, models.PaymentCaptured, time.Now())
	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/payment-order", "", rider); rec.Code != http.StatusConflict {
		t.Fatalf("settled ride should not get a new order, got %d", rec.Code)
	}
}

func TestIdempotencyKeyScopedToRider(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	body := `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`

	// Riders named only in the body share no viewer, so the scope must come
	// from the resolved rider.
	first := do(t, srv, http.MethodPost, "/api/v1/rides", `{"rider_id":"rider-1",`+body[1:], map[string]string{"Idempotency-Key": "same"})
	second := do(t, srv, http.MethodPost, "/api/v1/rides", `{"rider_id":"rider-2",`+body[1:], map[string]string{"Idempotency-Key": "same"})
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("create: %d / %d", first.Code, second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "" {
		t.Fatal("another rider's response was replayed")
	}
	a, b := decode(t, first), decode(t, second)
	if a["id"] == b["id"] || b["rider_id"] != "rider-2" {
		t.Fatalf("riders must get distinct rides: %v / %v", a, b)
	}

	again := do(t, srv, http.MethodPost, "/api/v1/rides", `{"rider_id":"rider-1",`+body[1:], map[string]string{"Idempotency-Key": "same"})
	if again.Header().Get("Idempotent-Replayed") != "true" || decode(t, again)["id"] != a["id"] {
		t.Fatalf("same rider should replay, got %s", again.Body.String())
	}
}

func TestCreateRideRequiresEveryCoordinate(t *testing.T) {
	srv, store := newTestServer(t, nil)
	rider := map[string]string{"X-User-ID": "rider-1"}
	for _, body := range []string{
		`{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55}`,
		`{"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`,
		`{}`,
	} {
		if rec := do(t, srv, http.MethodPost, "/api/v1/rides", body, rider); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
	// Zero is a real coordinate when given explicitly.
	rec := do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":0,"pickup_lon":0,"drop_lat":0.05,"drop_lon":0.05}`, rider)
	if rec.Code != http.StatusCreated {
		t.Fatalf("explicit zero coordinates: expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	if list, _ := store.ListRidesByStatus(context.Background(), models.RidePending); len(list) != 1 {
		t.Fatalf("expected only the valid ride stored, got %d", len(list))
	}
}

func TestQuoteRejectsNaN(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, q := range []string{
		"pickup_lat=NaN&pickup_lon=77.20&drop_lat=28.55&drop_lon=77.15",
		"pickup_lat=28.60&pickup_lon=77.20&drop_lat=28.55&drop_lon=NaN",
		"pickup_lat=28.60&pickup_lon=Inf&drop_lat=28.55&drop_lon=77.15",
	} {
		if rec := do(t, srv, http.MethodGet, "/api/v1/quote?"+q, "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", q, rec.Code, rec.Body.String())
		}
	}
}

func TestMarkReadChecksOwner(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()
	_ = store.CreateNotification(ctx, &models.Notification{ID: "n1", UserID: "rider-1", Type: "ride_accepted", CreatedAt: time.Now()})

	rec := do(t, srv, http.MethodPost, "/api/v1/notifications/n1/read", "", map[string]string{"X-User-ID": "rider-2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", rec.Code)
	}
	if n, _ := store.GetNotification(ctx, "n1"); n.IsRead {
		t.Fatal("foreign caller marked the notification read")
	}
	if rec = do(t, srv, http.MethodPost, "/api/v1/notifications/missing/read", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = do(t, srv, http.MethodPost, "/api/v1/notifications/n1/read", "", map[string]string{"X-User-ID": "rider-1"})
	if rec.Code != http.StatusOK || decode(t, rec)["is_read"] != true {
		t.Fatalf("owner mark read: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMarkReadChecksTokenSubject(t *testing.T) {
	verifier := auth.NewVerifier("test-secret", "urbanflow")
	srv, store := newTestServer(t, func(d *Deps) { d.Auth = verifier })
	_ = store.CreateNotification(context.Background(), &models.Notification{ID: "n1", UserID: "rider-1", CreatedAt: time.Now()})
	token, _ := verifier.Issue("rider-2", "rider", time.Hour)

	rec := do(t, srv, http.MethodPost, "/api/v1/notifications/n1/read", "", map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRatingOverAPI(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rider := map[string]string{"X-User-ID": "rider-1"}
	driver := map[string]string{"X-User-ID": "d1"}

	id := decode(t, do(t, srv, http.MethodPost, "/api/v1/rides", `{"pickup_lat":28.60,"pickup_lon":77.20,"drop_lat":28.55,"drop_lon":77.15}`, rider))["id"].(string)
	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/rating", `{"rating":5}`, rider); rec.Code != http.StatusConflict {
		t.Fatalf("pending ride rating: expected 409, got %d", rec.Code)
	}
	_ = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/accept", `{}`, driver)
	otp, _ := decode(t, do(t, srv, http.MethodGet, "/api/v1/rides/"+id, "", rider))["otp"].(string)
	_ = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/start", `{"otp":"`+otp+`"}`, driver)
	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/complete", `{}`, driver); rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/rating", `{}`, rider); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing rating: expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/rating", `{"rating":9}`, rider); rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range: expected 400, got %d", rec.Code)
	}
	if rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/rating", `{"rating":5}`, driver); rec.Code != http.StatusForbidden {
		t.Fatalf("driver rating own ride: expected 403, got %d", rec.Code)
	}
	rec := do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/rating", `{"rating":5,"comment":"on time"}`, rider)
	if rec.Code != http.StatusCreated {
		t.Fatalf("rate: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, srv, http.MethodPost, "/api/v1/rides/"+id+"/rating", `{"rating":4}`, rider); rec.Code != http.StatusConflict {
		t.Fatalf("second rating: expected 409, got %d", rec.Code)
	}

	rec = do(t, srv, http.MethodGet, "/api/v1/drivers/d1/ratings", "", nil)
	var summary rides.DriverRatings
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil || summary.Count != 1 || summary.Average != 5 || summary.Ratings[0].Comment != "on time" {
		t.Fatalf("unexpected ratings %d %s", rec.Code, rec.Body.String())
	}
}
