package rides

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/urbanflow/internal/models"
)

func TestRateCompletedRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ride := f.ongoingRide(t)

	if _, err := f.svc.Rate(ctx, ride.ID, "rider-1", 5, "great"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ongoing ride must not be rated, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, ride.ID, "d1", models.PaymentCash); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Rate(ctx, ride.ID, "d1", 5, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only the rider may rate, got %v", err)
	}
	for _, score := range []int{0, 6, -1} {
		if _, err := f.svc.Rate(ctx, ride.ID, "rider-1", score, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("score %d: expected invalid input, got %v", score, err)
		}
	}
	if _, err := f.svc.Rate(ctx, ride.ID, "rider-1", 4, strings.Repeat("x", maxCommentLen+1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("long comment: expected invalid input, got %v", err)
	}

	got, err := f.svc.Rate(ctx, ride.ID, "rider-1", 4, "  smooth ride ")
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != "d1" || got.Score != 4 || got.Comment != "smooth ride" {
		t.Fatalf("unexpected rating: %+v", got)
	}
	if _, err := f.svc.Rate(ctx, ride.ID, "rider-1", 5, ""); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("second rating should conflict, got %v", err)
	}
	notes, _ := f.store.ListNotifications(ctx, "d1", false)
	found := false
	for _, n := range notes {
		if n.Type == "rating" {
			found = true
		}
	}
	if !found {
		t.Fatalf("driver not notified of rating: %v", notes)
	}
}

func TestDriverRatingsAverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, score := range []int{5, 4, 4} {
		ride := f.ongoingRide(t)
		if _, err := f.svc.Complete(ctx, ride.ID, "d1", models.PaymentCash); err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.Rate(ctx, ride.ID, "rider-1", score, ""); err != nil {
			t.Fatal(err)
		}
		f.clock = f.clock.Add(time.Minute)
	}

	got, err := f.svc.DriverRatings(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 || got.Average != 4.33 || got.Ratings[0].Score != 4 {
		t.Fatalf("unexpected summary: %+v", got)
	}
	empty, _ := f.svc.DriverRatings(ctx, "nobody")
	if empty.Count != 0 || empty.Average != 0 || empty.Ratings == nil {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
	if _, err := f.svc.DriverRatings(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
