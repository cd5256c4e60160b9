package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/urbanflow/internal/models"
)

const earthRadiusKm = 6371.0

// Locator finds online drivers around a point, nearest first.
type Locator interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyDriver, error)
}

// Tracker is a Locator that also accepts location updates.
type Tracker interface {
	Locator
	Upsert(ctx context.Context, loc models.DriverLocation) error
}

// At precision 5 a cell spans 360/2^13 degrees of both latitude and
// longitude, so cells can be addressed on a regular grid.
const (
	cellPrecision = 5
	cellDeg       = 360.0 / 8192
)

// Index is an in-memory driver index bucketed by geohash cell.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
	cells   map[string]map[string]struct{}
	cellOf  map[string]string

	// MaxAge hides drivers whose last update is older than this. Zero disables.
	MaxAge time.Duration
	now    func() time.Time
}

func NewIndex(maxAge time.Duration) *Index {
	return &Index{
		drivers: make(map[string]models.DriverLocation),
		cells:   make(map[string]map[string]struct{}),
		cellOf:  make(map[string]string),
		MaxAge:  maxAge,
		now:     time.Now,
	}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(loc.DriverID)
	if !loc.Online {
		return nil
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = g.now()
	}
	cell := geohash.EncodeWithPrecision(loc.Lat, loc.Lon, cellPrecision)
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][loc.DriverID] = struct{}{}
	g.cellOf[loc.DriverID] = cell
	g.drivers[loc.DriverID] = loc
	return nil
}

func (g *Index) removeLocked(driverID string) {
	cell, ok := g.cellOf[driverID]
	if !ok {
		return
	}
	delete(g.cells[cell], driverID)
	if len(g.cells[cell]) == 0 {
		delete(g.cells, cell)
	}
	delete(g.cellOf, driverID)
	delete(g.drivers, driverID)
}

func (g *Index) Nearby(_ context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	origin := models.Coord{Lat: lat, Lon: lon}
	var cutoff time.Time
	if g.MaxAge > 0 {
		cutoff = g.now().Add(-g.MaxAge)
	}

	out := make([]models.NearbyDriver, 0)
	consider := func(id string) {
		d := g.drivers[id]
		if !cutoff.IsZero() && d.UpdatedAt.Before(cutoff) {
			return
		}
		dist := HaversineKm(origin, d.Coord())
		if dist > radiusKm {
			return
		}
		out = append(out, models.NearbyDriver{DriverID: id, Lat: d.Lat, Lon: d.Lon, DistanceKm: dist})
	}

	if cells, ok := coverCells(lat, lon, radiusKm, len(g.cells)); ok {
		for _, cell := range cells {
			for id := range g.cells[cell] {
				consider(id)
			}
		}
	} else {
		for id := range g.drivers {
			consider(id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// coverCells lists every cell intersecting the bounding box of the circle
// around (lat, lon). It reports false when a full scan is needed instead:
// the box touches a pole or the antimeridian, or it spans at least maxCells.
func coverCells(lat, lon, radiusKm float64, maxCells int) ([]string, bool) {
	ang := radiusKm / earthRadiusKm
	dLat := ang * 180 / math.Pi
	minLat, maxLat := lat-dLat, lat+dLat
	if minLat <= -90 || maxLat >= 90 {
		return nil, false
	}
	ratio := math.Sin(ang) / math.Cos(lat*math.Pi/180)
	if ratio >= 1 {
		return nil, false
	}
	dLon := math.Asin(ratio) * 180 / math.Pi
	minLon, maxLon := lon-dLon, lon+dLon
	if minLon < -180 || maxLon >= 180 {
		return nil, false
	}

	lat0 := int(math.Floor((minLat + 90) / cellDeg))
	lat1 := int(math.Floor((maxLat + 90) / cellDeg))
	lon0 := int(math.Floor((minLon + 180) / cellDeg))
	lon1 := int(math.Floor((maxLon + 180) / cellDeg))
	n := (lat1 - lat0 + 1) * (lon1 - lon0 + 1)
	if n >= maxCells {
		return nil, false
	}
	out := make([]string, 0, n)
	for i := lat0; i <= lat1; i++ {
		clat := -90 + (float64(i)+0.5)*cellDeg
		for j := lon0; j <= lon1; j++ {
			clon := -180 + (float64(j)+0.5)*cellDeg
			out = append(out, geohash.EncodeWithPrecision(clat, clon, cellPrecision))
		}
	}
	return out, true
}

// HaversineKm is the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	return haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
