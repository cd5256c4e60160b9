package geo

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLiveDriversLimitsAfterFiltering(t *testing.T) {
	now := time.Now()
	res := []redis.GeoLocation{
		{Name: "offline", Dist: 0.1},
		{Name: "stale", Dist: 0.2},
		{Name: "a", Dist: 0.3},
		{Name: "b", Dist: 0.4},
		{Name: "c", Dist: 0.5},
	}
	meta := []map[string]string{
		{"online": "false", "updated": now.Format(time.RFC3339Nano)},
		{"online": "true", "updated": now.Add(-time.Hour).Format(time.RFC3339Nano)},
		{"online": "true", "updated": now.Format(time.RFC3339Nano)},
		{},
		{"online": "true", "updated": now.Format(time.RFC3339Nano)},
	}
	got := liveDrivers(res, meta, now.Add(-time.Minute), 2)
	if len(got) != 2 || got[0].DriverID != "a" || got[1].DriverID != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
	if all := liveDrivers(res, meta, time.Time{}, 0); len(all) != 4 {
		t.Fatalf("without cutoff only offline is hidden, got %v", all)
	}
}
